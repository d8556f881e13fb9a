package classifier

import "strings"

// VM classifies a process as a hypervisor worker when its command line
// exposes a name field in the documented QEMU/KVM format: an argument
// starting with "guest=", whose value up to the first comma is the VM's
// name (the same convention the bridge's host side and the "-name"
// argument use).
type VM struct{}

// Classify returns {"vm_name": ..., "hypervisor": "qemu"} when cmdline
// contains a "guest=" token, and no match otherwise.
func (VM) Classify(_ string, cmdline string, _ []string) (map[string]string, bool) {
	name, ok := vmNameFromCmdline(cmdline)
	if !ok {
		return nil, false
	}
	return map[string]string{
		"vm_name":    name,
		"hypervisor": "qemu",
	}, true
}

// vmNameFromCmdline scans the sanitized (space-joined) command line for a
// "guest=" token and returns the name up to the first comma.
func vmNameFromCmdline(cmdline string) (string, bool) {
	for _, field := range strings.Fields(cmdline) {
		for _, token := range strings.Split(field, ",") {
			if name, found := strings.CutPrefix(token, "guest="); found {
				if name == "" {
					return "", false
				}
				return name, true
			}
		}
	}
	return "", false
}
