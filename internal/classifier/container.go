package classifier

import "regexp"

// runtime names used in the container_runtime label.
const (
	runtimeDocker     = "docker"
	runtimeContainerD = "containerd"
	runtimeCrio       = "cri-o"
	runtimePodman     = "podman"
	runtimeKubePods   = "kubepods"
)

var (
	dockerPattern        = regexp.MustCompile(`/docker[-/]([0-9a-f]{64})`)
	containerdPattern    = regexp.MustCompile(`/containerd[-/]([0-9a-f]{64})`)
	criContainerdPattern = regexp.MustCompile(`[:/]cri-containerd[-:]([0-9a-f]{64})`)
	crioPattern          = regexp.MustCompile(`/crio-([0-9a-f]{64})`)
	libpodPattern        = regexp.MustCompile(`libpod-([0-9a-f]{64})`)
	libpodPayloadPattern = regexp.MustCompile(`/libpod-payload-([0-9a-f]+)`)
	kubepodsPattern      = regexp.MustCompile(`/kubepods/[^/]+/pod[0-9a-f\-]+/([0-9a-f]{64})`)

	cgroupPatterns = []struct {
		pattern *regexp.Regexp
		runtime string
	}{
		{dockerPattern, runtimeDocker},
		{containerdPattern, runtimeContainerD},
		{criContainerdPattern, runtimeContainerD},
		{crioPattern, runtimeCrio},
		{libpodPattern, runtimePodman},
		{libpodPayloadPattern, runtimePodman},
		{kubepodsPattern, runtimeKubePods},
	}
)

// Container classifies a process found within a known container-runtime
// cgroup hierarchy, extracting the container id and runtime name. When
// more than one cgroup path matches, the "deepest" match (the one
// starting latest in its path) wins, matching how nested
// kubepods/<pod>/<container> hierarchies are laid out on the filesystem.
type Container struct{}

type cgroupMatch struct {
	runtime  string
	id       string
	startIdx int
}

func (Container) Classify(_ string, _ string, cgroups []string) (map[string]string, bool) {
	var best *cgroupMatch

	for _, path := range cgroups {
		for _, cp := range cgroupPatterns {
			locs := cp.pattern.FindAllStringSubmatchIndex(path, -1)
			for _, loc := range locs {
				if len(loc) < 4 {
					continue
				}
				m := cgroupMatch{runtime: cp.runtime, id: path[loc[2]:loc[3]], startIdx: loc[0]}
				if best == nil || m.startIdx > best.startIdx {
					best = &m
				}
			}
		}
	}

	if best == nil {
		return nil, false
	}

	return map[string]string{
		"container_id":      best.id,
		"container_runtime": best.runtime,
	}, true
}
