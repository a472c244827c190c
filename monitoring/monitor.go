// Package monitoring turns a running harness into a small JSON server so
// that long runs can be inspected from outside the process.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/vtime"
)

// A LevelReporter is anything with a bounded fill level, such as a pool's
// free list or a cache. Pools and caches satisfy it directly.
type LevelReporter interface {
	Name() string
	Size() int
	Capacity() int
}

// Monitor exposes the state of a harness run over HTTP.
type Monitor struct {
	clock      vtime.TimeTeller
	ledger     *ledger.Ledger
	levels     []LevelReporter
	inspect    map[string]any
	portNumber int
}

// NewMonitor creates a Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		inspect: make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterClock registers the clock whose virtual time is served.
func (m *Monitor) RegisterClock(clock vtime.TimeTeller) {
	m.clock = clock
}

// RegisterLedger registers the ledger whose stats and leaks are served.
func (m *Monitor) RegisterLedger(l *ledger.Ledger) {
	m.ledger = l
}

// RegisterLevel registers a pool or cache to be listed by fill level.
func (m *Monitor) RegisterLevel(l LevelReporter) {
	m.levels = append(m.levels, l)
}

// RegisterInspectable makes a named object's state available for deep
// inspection under /api/state.
func (m *Monitor) RegisterInspectable(name string, obj any) {
	m.inspect[name] = obj
}

// StartServer starts the monitor as a web server, on the configured port or
// a random free one, and returns the address it listens on.
func (m *Monitor) StartServer() string {
	r := mux.NewRouter()

	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/ledger", m.ledgerStats)
	r.HandleFunc("/api/leaks", m.listLeaks)
	r.HandleFunc("/api/levels", m.listLevels)
	r.HandleFunc("/api/state/{name}", m.inspectState)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber >= 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring harness with %s\n", addr)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()

	return addr
}

// OpenDashboard opens the monitor's ledger view in the local browser.
func (m *Monitor) OpenDashboard(addr string) {
	err := browser.OpenURL(addr + "/api/ledger")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open browser: %v\n", err)
	}
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := m.clock.Now()
	fmt.Fprintf(w, "{\"now_ns\":%d}", int64(now))
}

func (m *Monitor) ledgerStats(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"count\":%d,\"total_size\":%d}",
		m.ledger.Count(), m.ledger.TotalSize())
}

type leakRsp struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	SizeEstimate   uint64 `json:"size_estimate"`
	CreatedAt      int64  `json:"created_at_ns"`
	LastAccessedAt int64  `json:"last_accessed_at_ns"`
}

func (m *Monitor) listLeaks(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(0)

	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintf(w, "Error: %s", err)
			return
		}
		olderThan = parsed
	}

	leaks := m.ledger.ResidualLeaks(olderThan)
	rsp := make([]leakRsp, 0, len(leaks))
	for _, l := range leaks {
		rsp = append(rsp, leakRsp{
			ID:             l.ID,
			Kind:           l.Kind,
			SizeEstimate:   l.SizeEstimate,
			CreatedAt:      int64(l.CreatedAt),
			LastAccessedAt: int64(l.LastAccessedAt),
		})
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) listLevels(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := m.levelsParseParams(r)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	sorted := m.sortAndSelectLevels(sortMethod, limit, offset)

	fmt.Fprint(w, "[")
	for i, l := range sorted {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "{\"name\":\"%s\",\"level\":%d,\"cap\":%d}",
			l.Name(), l.Size(), l.Capacity())
	}
	fmt.Fprint(w, "]")
}

func (*Monitor) levelsParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}
	if sortMethod != "level" && sortMethod != "percent" {
		errStr := fmt.Sprintf(
			"Invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
		return "", 0, 0, errors.New(errStr)
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "0"
	}
	limitNumber, err := strconv.Atoi(limitStr)
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		offsetStr = "0"
	}
	offsetNumber, err := strconv.Atoi(offsetStr)
	if err != nil {
		return sortMethod, limitNumber, 0, err
	}

	return sortMethod, limitNumber, offsetNumber, nil
}

func levelPercent(l LevelReporter) float64 {
	return float64(l.Size()) / float64(l.Capacity())
}

func (m *Monitor) sortAndSelectLevels(
	sortMethod string,
	limit, offset int,
) []LevelReporter {
	sorted := make([]LevelReporter, len(m.levels))
	copy(sorted, m.levels)

	if sortMethod == "level" {
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Size() != sorted[j].Size() {
				return sorted[i].Size() > sorted[j].Size()
			}
			return levelPercent(sorted[i]) > levelPercent(sorted[j])
		})
	} else {
		sort.Slice(sorted, func(i, j int) bool {
			if levelPercent(sorted[i]) != levelPercent(sorted[j]) {
				return levelPercent(sorted[i]) > levelPercent(sorted[j])
			}
			return sorted[i].Size() > sorted[j].Size()
		})
	}

	if offset > len(sorted) {
		offset = len(sorted)
	}
	sorted = sorted[offset:]

	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}

	return sorted
}

func (m *Monitor) inspectState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	obj, ok := m.inspect[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Object not found"))
		dieOnErr(err)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(obj)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	bytes, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
