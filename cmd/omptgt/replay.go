package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nctu-sslab/omptarget"
	"github.com/nctu-sslab/omptarget/datarecording"
	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/monitoring"
	"github.com/nctu-sslab/omptarget/rtl"
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace.json>",
	Short: "Replay a recorded trace of mapping operations",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().Bool("bulk", envBool("OMPTGT_BULK"),
		"batch argument transfers")
	replayCmd.Flags().Bool("table", envBool("OMPTGT_TABLE"),
		"use table translation instead of pointer rewriting")
	replayCmd.Flags().String("record", os.Getenv("OMPTGT_RECORD"),
		"record transfers and launches into a sqlite database at this path")
	replayCmd.Flags().Bool("monitor", envBool("OMPTGT_MONITOR"),
		"serve the live mapping tables over HTTP while replaying")

	rootCmd.AddCommand(replayCmd)
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true"
}

func runReplay(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var tr trace
	if err := json.Unmarshal(raw, &tr); err != nil {
		return fmt.Errorf("parsing trace: %w", err)
	}

	bulkOn, _ := cmd.Flags().GetBool("bulk")
	tableOn, _ := cmd.Flags().GetBool("table")
	recordPath, _ := cmd.Flags().GetString("record")
	monitorOn, _ := cmd.Flags().GetBool("monitor")

	opts := replayOptions{bulk: bulkOn, table: tableOn}
	if recordPath != "" {
		opts.recorder = datarecording.NewEventLog(datarecording.New(recordPath))
	}

	rep, rt, err := runTrace(&tr, opts)
	if monitorOn && rt != nil {
		serveMonitor(rt)
	}
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d operations on %d device(s): "+
		"%d allocations, %d frees, %d bytes live\n",
		rep.ops, rep.devices, rep.allocs, rep.frees, rep.liveBytes)
	return nil
}

func serveMonitor(rt *omptarget.Runtime) {
	monitoring.NewMonitor(rt.Devices()).StartServer(false)
	fmt.Println("monitor running, press enter to exit")
	fmt.Scanln()
}

// A trace is a JSON file describing one offloading session: the initial
// host memory, the registered entry points, and the operation stream.
type trace struct {
	Devices int        `json:"devices"`
	Memory  []memInit  `json:"memory"`
	Entries []entryDef `json:"entries"`
	Ops     []traceOp  `json:"ops"`
}

type memInit struct {
	Addr  uint64 `json:"addr"`
	Bytes []byte `json:"bytes"`
}

type entryDef struct {
	Addr   uint64 `json:"addr"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Kernel string `json:"kernel"`
}

type traceOp struct {
	Op     string `json:"op"`
	Device int    `json:"device"`

	BasePtrs []uint64 `json:"base_ptrs"`
	Ptrs     []uint64 `json:"ptrs"`
	Sizes    []int64  `json:"sizes"`
	Types    []int64  `json:"types"`

	Entry       uint64 `json:"entry"`
	NumTeams    int32  `json:"num_teams"`
	ThreadLimit int32  `json:"thread_limit"`
	Count       uint64 `json:"count"`
}

type replayOptions struct {
	bulk     bool
	table    bool
	recorder *datarecording.EventLog
}

type replayReport struct {
	ops       int
	devices   int
	allocs    int
	frees     int
	liveBytes int64
}

// Kernel bodies the replayer can bind trace entries to. Real kernels
// live on real devices; these stand-ins keep traces self-contained.
var builtinKernels = map[string]rtl.KernelFunc{
	"noop": func(*rtl.Emulator, []uintptr, rtl.TeamConfig) error {
		return nil
	},
	// inc adds one to each byte of args[0]; the byte count rides in as
	// the loop trip count.
	"inc": func(e *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
		n := int64(cfg.LoopTripCount)
		if n == 0 {
			return nil
		}
		data, err := e.DeviceMemory().Read(args[0], n)
		if err != nil {
			return err
		}
		for i := range data {
			data[i]++
		}
		return e.DeviceMemory().Write(args[0], data)
	},
}

func runTrace(
	tr *trace,
	opts replayOptions,
) (*replayReport, *omptarget.Runtime, error) {
	numDevices := tr.Devices
	if numDevices == 0 {
		numDevices = 1
	}

	host := hostmem.NewSparseMemory()
	for _, m := range tr.Memory {
		if err := host.Write(uintptr(m.Addr), m.Bytes); err != nil {
			return nil, nil, err
		}
	}

	emus := make([]*rtl.Emulator, numDevices)
	b := omptarget.MakeBuilder().
		WithNumDevices(numDevices).
		WithHostMemory(host).
		WithBulkTransfers(opts.bulk).
		WithTableTranslation(opts.table).
		WithDriverFactory(func(id int) rtl.Driver {
			emus[id] = rtl.NewEmulator(host)
			return emus[id]
		})
	if opts.recorder != nil {
		b = b.WithRecorder(opts.recorder)
	}
	rt := b.Build()

	img := &rtl.Image{}
	for _, e := range tr.Entries {
		img.Entries = append(img.Entries, rtl.EntryPoint{
			Addr: uintptr(e.Addr),
			Name: e.Name,
			Size: e.Size,
		})
		if e.Size != 0 {
			continue
		}
		fn, ok := builtinKernels[e.Kernel]
		if !ok {
			return nil, nil, fmt.Errorf("entry %q: unknown kernel %q",
				e.Name, e.Kernel)
		}
		for _, emu := range emus {
			emu.RegisterKernel(e.Name, fn)
		}
	}
	if len(img.Entries) > 0 {
		rt.RegisterLibrary(img)
	}

	rep := &replayReport{devices: numDevices}
	for i, op := range tr.Ops {
		if err := applyOp(rt, &op); err != nil {
			return rep, rt, fmt.Errorf("op %d (%s): %w", i, op.Op, err)
		}
		rep.ops++
	}

	if opts.recorder != nil {
		opts.recorder.Flush()
	}
	for _, emu := range emus {
		rep.allocs += emu.AllocCount()
		rep.frees += emu.FreeCount()
		rep.liveBytes += emu.LiveBytes()
	}
	return rep, rt, nil
}

func applyOp(rt *omptarget.Runtime, op *traceOp) error {
	basePtrs := toUintptrs(op.BasePtrs)
	ptrs := toUintptrs(op.Ptrs)

	switch op.Op {
	case "begin":
		return rt.BeginMapping(op.Device, basePtrs, ptrs, op.Sizes, op.Types)
	case "end":
		return rt.EndMapping(op.Device, basePtrs, ptrs, op.Sizes, op.Types)
	case "update":
		return rt.UpdateMapping(op.Device, basePtrs, ptrs, op.Sizes, op.Types)
	case "target":
		return rt.ExecuteTarget(op.Device, uintptr(op.Entry),
			basePtrs, ptrs, op.Sizes, op.Types,
			op.NumTeams, op.ThreadLimit)
	case "trip_count":
		return rt.PushTripCount(op.Device, op.Count)
	default:
		return fmt.Errorf("unknown operation")
	}
}

func toUintptrs(v []uint64) []uintptr {
	out := make([]uintptr, len(v))
	for i, x := range v {
		out[i] = uintptr(x)
	}
	return out
}
