// Package monitoring turns a running offload runtime into a small web
// server that exposes the live mapping state of every device.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"

	"github.com/nctu-sslab/omptarget/device"
	"github.com/nctu-sslab/omptarget/devmap"
)

// Monitor serves the mapping tables of the registered devices.
type Monitor struct {
	devices    *device.Registry
	portNumber int
}

// NewMonitor creates a new Monitor.
func NewMonitor(devices *device.Registry) *Monitor {
	return &Monitor{devices: devices}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// StartServer starts the monitor as a web server. With openBrowser set
// it also opens the device list in the default browser.
func (m *Monitor) StartServer(openBrowser bool) {
	r := m.router()
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d/api/devices",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring devices with %s\n", url)

	if openBrowser {
		err = browser.OpenURL(url)
		dieOnErr(err)
	}

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/devices", m.listDevices)
	r.HandleFunc("/api/device/{id}/mappings", m.listMappings)
	r.HandleFunc("/api/device/{id}/shadows", m.listShadows)
	r.HandleFunc("/api/resource", m.listResources)
	return r
}

type deviceRsp struct {
	ID          int  `json:"id"`
	Mappings    int  `json:"mappings"`
	Shadows     int  `json:"shadows"`
	BulkEnabled bool `json:"bulk_enabled"`
	TableMode   bool `json:"table_mode"`
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]deviceRsp, 0, m.devices.Count())
	for _, d := range m.devices.All() {
		rsp = append(rsp, deviceRsp{
			ID:          d.ID,
			Mappings:    d.DataMap.Len(),
			Shadows:     d.Shadows.Len(),
			BulkEnabled: d.BulkEnabled,
			TableMode:   d.TableMode,
		})
	}

	writeJSON(w, rsp)
}

type mappingRsp struct {
	HostBegin   uint64 `json:"host_begin"`
	HostEnd     uint64 `json:"host_end"`
	DeviceBegin uint64 `json:"device_begin"`
	RefCount    int64  `json:"ref_count"`
}

func (m *Monitor) listMappings(w http.ResponseWriter, r *http.Request) {
	d := m.findDeviceOr404(w, r)
	if d == nil {
		return
	}

	entries := d.DataMap.Entries()
	rsp := make([]mappingRsp, 0, len(entries))
	for _, e := range entries {
		rsp = append(rsp, mappingRsp{
			HostBegin:   uint64(e.HostBegin),
			HostEnd:     uint64(e.HostEnd),
			DeviceBegin: uint64(e.DeviceBegin),
			RefCount:    e.RefCount,
		})
	}

	writeJSON(w, rsp)
}

type shadowRsp struct {
	HostPtrAddr uint64 `json:"host_ptr_addr"`
	HostPtrVal  uint64 `json:"host_ptr_val"`
	DevPtrAddr  uint64 `json:"dev_ptr_addr"`
	DevPtrVal   uint64 `json:"dev_ptr_val"`
}

func (m *Monitor) listShadows(w http.ResponseWriter, r *http.Request) {
	d := m.findDeviceOr404(w, r)
	if d == nil {
		return
	}

	rsp := []shadowRsp{}
	d.Shadows.ForEachInRange(0, ^uintptr(0), func(e devmap.ShadowEntry) {
		rsp = append(rsp, shadowRsp{
			HostPtrAddr: uint64(e.HostPtrAddr),
			HostPtrVal:  uint64(e.HostPtrVal),
			DevPtrAddr:  uint64(e.DevPtrAddr),
			DevPtrVal:   uint64(e.DevPtrVal),
		})
	})

	writeJSON(w, rsp)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) findDeviceOr404(
	w http.ResponseWriter,
	r *http.Request,
) *device.Device {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	d, err := m.devices.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Device not found"))
		dieOnErr(err)
		return nil
	}

	return d
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
