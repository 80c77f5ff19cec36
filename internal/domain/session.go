package domain

import (
	"fmt"
	"regexp"
	"time"
)

// AdoptedOwner is the vm_name recorded for websockify processes the reconciler
// discovered on a managed port without a matching allocation.
const AdoptedOwner = "__adopted__"

var vmNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// maxVMNameLen mirrors the libvirt domain name limit.
const maxVMNameLen = 253

// ValidateVMName enforces the accepted VM name format.
func ValidateVMName(name string) error {
	if name == "" {
		return fmt.Errorf("vm name is required")
	}
	if len(name) > maxVMNameLen {
		return fmt.Errorf("vm name too long: %d > %d", len(name), maxVMNameLen)
	}
	if !vmNamePattern.MatchString(name) {
		return fmt.Errorf("invalid vm name: must match %s", vmNamePattern.String())
	}
	return nil
}

// Session is the in-memory view of one live console bridge handed to callers.
type Session struct {
	ID      string    `json:"id"`
	VMName  string    `json:"vm_name"`
	VNCHost string    `json:"vnc_host"`
	VNCPort int       `json:"vnc_port"`
	WSPort  int       `json:"ws_port"`
	PID     int       `json:"pid"`
	URL     string    `json:"url"`
	Started time.Time `json:"started_at"`
}

// ConsoleURL builds the browser-facing noVNC URL for a WebSocket port.
func ConsoleURL(serverIP string, wsPort int) string {
	return fmt.Sprintf("http://%s:%d/vnc.html?host=%s&port=%d", serverIP, wsPort, serverIP, wsPort)
}

// BridgeProcess is one websockify instance discovered in the OS process table.
type BridgeProcess struct {
	PID    int `json:"pid"`
	WSPort int `json:"ws_port"`
}
