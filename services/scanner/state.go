package scanner

import (
	"errors"
	"net"
	"os"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"oxo/pkg/api"
)

// State is one telemetry snapshot of the scanner host. A fresh value is
// captured on every report.
type State struct {
	ScannerID   string
	ScanID      string
	CPULoad     float64
	MemoryLoad  float64
	TotalCPU    int
	TotalMemory uint64
	Hostname    string
	IP          string
	Errors      []string
	CapturedAt  time.Time
}

// Input converts the snapshot to the API input type.
func (s State) Input() api.ScannerStateInput {
	return api.ScannerStateInput{
		ScannerUUID: s.ScannerID,
		ScanID:      s.ScanID,
		CPULoad:     s.CPULoad,
		MemoryLoad:  s.MemoryLoad,
		TotalCPU:    s.TotalCPU,
		TotalMemory: s.TotalMemory,
		Hostname:    s.Hostname,
		IP:          s.IP,
		Errors:      strings.Join(s.Errors, "\n"),
		CapturedAt:  s.CapturedAt.UTC().Format(time.RFC3339),
	}
}

// HostProbe samples host load. CPU load is computed between successive
// captures.
type HostProbe struct {
	cpuTimes func() (procfs.CPUStat, error)
	memory   func() (total, free uint64, err error)
	hostname func() (string, error)
	ip       func() (string, error)

	mu        sync.Mutex
	prevIdle  float64
	prevTotal float64
}

// NewHostProbe reads CPU counters from /proc.
func NewHostProbe() (*HostProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	p := &HostProbe{
		cpuTimes: func() (procfs.CPUStat, error) {
			stat, err := fs.Stat()
			if err != nil {
				return procfs.CPUStat{}, err
			}
			return stat.CPUTotal, nil
		},
		memory:   memoryInfo,
		hostname: os.Hostname,
		ip:       outboundIP,
	}
	if cpu, err := p.cpuTimes(); err == nil {
		p.prevIdle, p.prevTotal = cpuSplit(cpu)
	}
	return p, nil
}

func cpuSplit(s procfs.CPUStat) (idle, total float64) {
	idle = s.Idle + s.Iowait
	total = s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
	return idle, total
}

// Capture returns a snapshot for scannerID. Partial failures leave the
// affected fields zero and are joined into the returned error.
func (p *HostProbe) Capture(scannerID string) (State, error) {
	s := State{
		ScannerID:  scannerID,
		TotalCPU:   goruntime.NumCPU(),
		CapturedAt: time.Now().UTC(),
	}
	var errs []error

	if cpu, err := p.cpuTimes(); err != nil {
		errs = append(errs, err)
	} else {
		idle, total := cpuSplit(cpu)
		p.mu.Lock()
		if dt := total - p.prevTotal; dt > 0 {
			s.CPULoad = (1 - (idle-p.prevIdle)/dt) * 100
		}
		p.prevIdle, p.prevTotal = idle, total
		p.mu.Unlock()
	}

	if total, free, err := p.memory(); err != nil {
		errs = append(errs, err)
	} else if total > 0 {
		s.TotalMemory = total
		s.MemoryLoad = float64(total-free) / float64(total) * 100
	}

	if host, err := p.hostname(); err != nil {
		errs = append(errs, err)
	} else {
		s.Hostname = host
	}
	if ip, err := p.ip(); err != nil {
		errs = append(errs, err)
	} else {
		s.IP = ip
	}
	return s, errors.Join(errs...)
}

// outboundIP returns the local address used to reach the internet. UDP dial
// sends no packet.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}
