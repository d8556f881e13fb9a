// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package pod discovers the Kubernetes pod and container owning a given
// container id, by polling the local kubelet's authenticated HTTPS /pods
// endpoint rather than watching the API server. This keeps the classifier's
// Kubernetes dependency to a client-go config/clientset and a plain HTTP
// client instead of a full controller-runtime manager.
package pod

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joulemeter/joulemeter/internal/service"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type (
	// Informer looks up pod/container identity by container id, refreshing
	// its cache from the kubelet on a fixed poll interval.
	Informer interface {
		service.Initializer
		service.Runner
		LookupByContainerID(containerID string) (*ContainerInfo, bool, error)
	}

	// ContainerInfo is the pod/container identity attached to a process
	// found within a matching cgroup hierarchy.
	ContainerInfo struct {
		PodID         string
		PodName       string
		Namespace     string
		ContainerName string
	}

	// Option configures an Informer.
	Option struct {
		logger         *slog.Logger
		kubeConfigPath string
		nodeName       string
		pollInterval   time.Duration
	}

	// OptFn is a functional option for Option.
	OptFn func(*Option)
)

// DefaultOpts returns an Option with defaults set.
func DefaultOpts() Option {
	return Option{logger: slog.Default()}
}

// WithLogger sets the logger used by the informer.
func WithLogger(logger *slog.Logger) OptFn {
	return func(o *Option) { o.logger = logger }
}

// WithKubeConfig sets an explicit kubeconfig path; empty means in-cluster
// config.
func WithKubeConfig(path string) OptFn {
	return func(o *Option) { o.kubeConfigPath = path }
}

// WithNodeName sets the node this informer's kubelet belongs to; required.
func WithNodeName(nodeName string) OptFn {
	return func(o *Option) { o.nodeName = nodeName }
}

// WithPollInterval overrides the default kubelet poll interval.
func WithPollInterval(d time.Duration) OptFn {
	return func(o *Option) { o.pollInterval = d }
}

// getConfig resolves a client-go REST config, using in-cluster config when
// kubeConfigPath is empty.
func getConfig(kubeConfigPath string) (*rest.Config, error) {
	if kubeConfigPath == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeConfigPath)
}

// extractContainerID strips the runtime prefix (e.g. "containerd://") that
// Kubernetes prepends to container ids in pod status.
func extractContainerID(str string) string {
	parts := strings.SplitN(str, "://", 2)
	return parts[len(parts)-1]
}
