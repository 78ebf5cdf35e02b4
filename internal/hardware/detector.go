// Package hardware detects RDMA devices and the CPUs an executor can pin
// workers to.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultSysfsRoot is where device and CPU attributes are read from.
const DefaultSysfsRoot = "/sys"

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name          string `json:"name"`
	DevicePath    string `json:"device_path"`
	NodeGUID      string `json:"node_guid"`
	SysImageGUID  string `json:"sys_image_guid"`
	BoardID       string `json:"board_id"`
	FirmwareVer   string `json:"firmware_version"`
	NodeType      string `json:"node_type"` // CA, Switch, Router
	PhysPortCount int    `json:"phys_port_count"`
	LinkLayer     string `json:"link_layer"` // InfiniBand, Ethernet
	Speed         uint64 `json:"speed"`      // Gb/s
	State         string `json:"state"`      // ACTIVE, DOWN
}

// Active reports whether the device's first port is up.
func (r RDMAInfo) Active() bool {
	return strings.Contains(strings.ToUpper(r.State), "ACTIVE")
}

// HardwareCapabilities represents detected hardware capabilities.
type HardwareCapabilities struct {
	RDMADevices   []RDMAInfo `json:"rdma_devices"`
	OnlineCPUs    []int      `json:"online_cpus"`
	UsableCPUs    []int      `json:"usable_cpus"`
	RDMAAvailable bool       `json:"rdma_available"`
	LastUpdated   time.Time  `json:"last_updated"`
}

// Detector handles hardware detection operations.
type Detector struct {
	mu           sync.RWMutex
	capabilities *HardwareCapabilities
	sysfsRoot    string
	refreshRate  time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewDetector creates a new hardware detector.
func NewDetector() *Detector {
	return NewDetectorAt(DefaultSysfsRoot)
}

// NewDetectorAt creates a detector reading sysfs below root.
func NewDetectorAt(root string) *Detector {
	return &Detector{
		capabilities: &HardwareCapabilities{},
		sysfsRoot:    root,
		refreshRate:  30 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins periodic hardware detection.
func (d *Detector) Start() {
	d.Refresh()

	go func() {
		ticker := time.NewTicker(d.refreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Refresh()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop stops periodic hardware detection.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Refresh updates hardware detection results.
func (d *Detector) Refresh() {
	devices := d.detectRDMADevices()
	online := d.detectOnlineCPUs()
	usable := d.detectUsableCPUs(online)

	d.mu.Lock()
	d.capabilities.RDMADevices = devices
	d.capabilities.OnlineCPUs = online
	d.capabilities.UsableCPUs = usable
	d.capabilities.RDMAAvailable = len(devices) > 0
	d.capabilities.LastUpdated = time.Now()
	d.mu.Unlock()

	log.Debug().
		Int("rdma_devices", len(devices)).
		Int("online_cpus", len(online)).
		Int("usable_cpus", len(usable)).
		Msg("Hardware detection completed")
}

// GetCapabilities returns current hardware capabilities.
func (d *Detector) GetCapabilities() HardwareCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()

	caps := *d.capabilities
	caps.RDMADevices = slices.Clone(caps.RDMADevices)
	caps.OnlineCPUs = slices.Clone(caps.OnlineCPUs)
	caps.UsableCPUs = slices.Clone(caps.UsableCPUs)

	return caps
}

// HasRDMA returns true if RDMA is available.
func (d *Detector) HasRDMA() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.capabilities.RDMAAvailable
}

// WorkerCores returns the CPUs to hand out to executor workers. The lowest
// usable CPU is kept back for the accept loop and the runtime when there is
// more than one.
func (d *Detector) WorkerCores() []int {
	caps := d.GetCapabilities()

	cpus := caps.UsableCPUs
	if len(cpus) == 0 {
		cpus = caps.OnlineCPUs
	}

	if len(cpus) > 1 {
		return cpus[1:]
	}

	return cpus
}

// BestDevice returns the fastest active RDMA device.
func (d *Detector) BestDevice() (RDMAInfo, bool) {
	caps := d.GetCapabilities()

	var (
		best  RDMAInfo
		found bool
	)

	for _, dev := range caps.RDMADevices {
		if dev.Active() && (!found || dev.Speed > best.Speed) {
			best = dev
			found = true
		}
	}

	return best, found
}

func (d *Detector) detectRDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	rdmaPath := filepath.Join(d.sysfsRoot, "class", "infiniband")

	entries, err := os.ReadDir(rdmaPath)
	if err != nil {
		log.Debug().Msg("No RDMA devices found in sysfs")

		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(rdmaPath, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = d.readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = d.readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = d.readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = d.readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(d.readSysfsFile(filepath.Join(devicePath, "node_type")))

		portsPath := filepath.Join(devicePath, "ports")
		if portEntries, err := os.ReadDir(portsPath); err == nil {
			device.PhysPortCount = len(portEntries)

			if len(portEntries) > 0 {
				port1Path := filepath.Join(portsPath, portEntries[0].Name())
				device.LinkLayer = d.readSysfsFile(filepath.Join(port1Path, "link_layer"))
				device.State = d.readSysfsFile(filepath.Join(port1Path, "state"))
				device.Speed = parseSpeed(d.readSysfsFile(filepath.Join(port1Path, "rate")))
			}
		}

		devices = append(devices, device)
	}

	return devices
}

func (d *Detector) detectOnlineCPUs() []int {
	cpus, err := ParseCPUList(d.readSysfsFile(filepath.Join(d.sysfsRoot, "devices", "system", "cpu", "online")))
	if err != nil || len(cpus) == 0 {
		cpus = make([]int, runtime.NumCPU())
		for i := range cpus {
			cpus[i] = i
		}
	}

	return cpus
}

// detectUsableCPUs intersects online with the process affinity mask.
func (d *Detector) detectUsableCPUs(online []int) []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		log.Debug().Err(err).Msg("Failed to read CPU affinity")

		return slices.Clone(online)
	}

	usable := make([]int, 0, len(online))

	for _, cpu := range online {
		if set.IsSet(cpu) {
			usable = append(usable, cpu)
		}
	}

	return usable
}

// readSysfsFile reads a sysfs file and returns its content.
func (d *Detector) readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - sysfs attribute path
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// ParseCPUList parses the kernel cpu list format, e.g. "0-3,8,10-11".
func ParseCPUList(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var cpus []int

	for _, part := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
		}

		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", list, err)
			}
		}

		if first < 0 || last < first {
			return nil, fmt.Errorf("invalid cpu range %q", part) // nolint:err113 // dynamic error with context
		}

		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}

	slices.Sort(cpus)

	return slices.Compact(cpus), nil
}

// parseNodeType converts node type number to string. Newer kernels write
// "1: CA".
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch num {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)

		return speed
	}

	return 0
}
