package prometheus

import (
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/joulemeter/joulemeter/internal/engine"
)

// collectorFunc adapts a Collect function into a prom.Collector for tests.
type collectorFunc func(ch chan<- prom.Metric)

func (f collectorFunc) Describe(ch chan<- *prom.Desc) {}

func (f collectorFunc) Collect(ch chan<- prom.Metric) { f(ch) }

// mockMetrics mocks the Metrics interface (collector.MetricsProvider).
type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) SnapshotMetrics() (*engine.Snapshot, error) {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.(*engine.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMetrics) DataChannel() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name          string
		opts          []OptionFn
		expectService string
	}{{
		name:          "default options",
		opts:          []OptionFn{},
		expectService: "prometheus",
	}, {
		name: "with custom logger",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
		},
		expectService: "prometheus",
	}, {
		name: "with debug collectors",
		opts: []OptionFn{
			WithDebugCollectors([]string{"go", "process"}),
		},
		expectService: "prometheus",
	}, {
		name: "with multiple options",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
			WithDebugCollectors([]string{"process"}),
		},
		expectService: "prometheus",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockM := &mockMetrics{}
			mockRegistry := new(MockAPIRegistry)

			exporter := NewExporter(mockM, mockRegistry, tt.opts...)

			assert.NotNil(t, exporter)
			assert.Equal(t, tt.expectService, exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.NotNil(t, exporter.registry)
			assert.Same(t, mockM, exporter.metrics)
			assert.Same(t, mockRegistry, exporter.server)
		})
	}
}

func TestExporter_Name(t *testing.T) {
	mockM := &mockMetrics{}
	mockRegistry := &MockAPIRegistry{}

	exporter := NewExporter(mockM, mockRegistry)

	assert.Equal(t, "prometheus", exporter.Name())
}

func TestExporter_Init(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		mockM := &mockMetrics{}
		mockRegistry := &MockAPIRegistry{}

		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(mockM, mockRegistry)
		err := exporter.Init()
		assert.NoError(t, err)

		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockM := &mockMetrics{}
		mockRegistry := &MockAPIRegistry{}

		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(mockM, mockRegistry)

		err := exporter.Init()

		assert.Error(t, err)
		assert.Equal(t, expectedErr, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockM := &mockMetrics{}
		mockRegistry := &MockAPIRegistry{}

		exporter := NewExporter(
			mockM,
			mockRegistry,
			WithDebugCollectors([]string{"unknown_collector"}),
		)

		err := exporter.Init()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("with multiple valid collectors", func(t *testing.T) {
		mockM := &mockMetrics{}
		mockRegistry := &MockAPIRegistry{}

		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(
			mockM,
			mockRegistry,
			WithDebugCollectors([]string{"go", "process"}),
		)

		err := exporter.Init()
		assert.NoError(t, err)
		mockRegistry.AssertExpectations(t)
	})
}

func TestCollectorForName(t *testing.T) {
	tests := []struct {
		name          string
		collectorName string
		expectError   bool
	}{{
		name:          "go collector",
		collectorName: "go",
		expectError:   false,
	}, {
		name:          "process collector",
		collectorName: "process",
		expectError:   false,
	}, {
		name:          "unknown collector",
		collectorName: "unknown",
		expectError:   true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := collectorForName(tt.collectorName)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, collector)
				assert.Contains(t, err.Error(), "unknown collector: "+tt.collectorName)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, collector)

				registry := prom.NewRegistry()
				err := registry.Register(collector)
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithOptions(t *testing.T) {
	t.Run("WithLogger", func(t *testing.T) {
		customLogger := slog.Default().With("custom", "logger")
		opts := DefaultOpts()

		WithLogger(customLogger)(&opts)

		assert.Equal(t, customLogger, opts.logger)
	})

	t.Run("WithDebugCollectors", func(t *testing.T) {
		opts := DefaultOpts()
		assert.True(t, opts.debugCollectors["go"]) // From default

		collectors := []string{"process", "custom"}
		WithDebugCollectors(collectors)(&opts)

		assert.False(t, opts.debugCollectors["go"]) // should override default
		assert.True(t, opts.debugCollectors["process"])
		assert.True(t, opts.debugCollectors["custom"])
	})

	t.Run("WithNodeName", func(t *testing.T) {
		opts := DefaultOpts()
		WithNodeName("node-1")(&opts)
		assert.Equal(t, "node-1", opts.nodeName)
	})
}

func TestDefaultOpts(t *testing.T) {
	opts := DefaultOpts()

	assert.NotNil(t, opts.logger)
	assert.NotNil(t, opts.debugCollectors)
	assert.True(t, opts.debugCollectors["go"])
	assert.Equal(t, "/proc", opts.procfs)
}

func TestExporter_Integration(t *testing.T) {
	mockM := &mockMetrics{}
	mockRegistry := &MockAPIRegistry{}

	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

	dummyCollector := collectorFunc(func(ch chan<- prom.Metric) {})
	exporter := NewExporter(
		mockM,
		mockRegistry,
		WithDebugCollectors([]string{"go", "process"}),
		WithCollectors(map[string]prom.Collector{"dummy": dummyCollector}),
	)

	assert.NoError(t, exporter.Init(), "exporter init failed")

	mockRegistry.AssertExpectations(t)
}

func TestExporter_CreateCollectors(t *testing.T) {
	mockM := &mockMetrics{}
	ch := make(chan struct{})
	mockM.On("DataChannel").Return((<-chan struct{})(ch))

	coll, err := CreateCollectors(
		mockM,
		WithLogger(slog.Default()),
		WithProcFSPath("/proc"),
	)
	time.Sleep(50 * time.Millisecond)

	mockM.AssertExpectations(t)

	assert.NoError(t, err)
	assert.Len(t, coll, 3)
}
