package classifier

import (
	"github.com/joulemeter/joulemeter/internal/k8s/pod"
)

// K8sPod enriches a container-runtime match with pod identity, by looking
// up the extracted container id against a pod.Informer backed by the
// local kubelet. It falls back to the plain container classification when
// the informer has no pod for the container (e.g. a bare container not
// managed by Kubernetes).
type K8sPod struct {
	container Container
	informer  pod.Informer
}

// NewK8sPod wires a container classifier to a pod informer.
func NewK8sPod(informer pod.Informer) *K8sPod {
	return &K8sPod{container: Container{}, informer: informer}
}

func (k *K8sPod) Classify(comm, cmdline string, cgroups []string) (map[string]string, bool) {
	labels, ok := k.container.Classify(comm, cmdline, cgroups)
	if !ok {
		return nil, false
	}

	if k.informer == nil {
		return labels, true
	}

	info, found, err := k.informer.LookupByContainerID(labels["container_id"])
	if err != nil || !found {
		return labels, true
	}

	labels["pod_name"] = info.PodName
	labels["pod_namespace"] = info.Namespace
	labels["pod_uid"] = info.PodID
	labels["container_name"] = info.ContainerName
	return labels, true
}
