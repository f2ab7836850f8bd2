package mapping

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/nctu-sslab/omptarget/device"
	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/kernel"
	"github.com/nctu-sslab/omptarget/rtl"
)

const testEntryAddr = uintptr(0x400)

type testEnv struct {
	host *hostmem.SparseMemory
	emu  *rtl.Emulator
	dev  *device.Device
	eng  *Engine
}

func newTestEnv(bulkOn, tableOn bool) *testEnv {
	host := hostmem.NewSparseMemory()
	emu := rtl.NewEmulator(host)

	reg := kernel.NewRegistry(1)
	reg.Register(&rtl.Image{Entries: []rtl.EntryPoint{
		{Addr: testEntryAddr, Name: "test_kernel"},
	}})

	dev := device.MakeBuilder().
		WithDriver(emu).
		WithHostMemory(host).
		WithKernelRegistry(reg).
		WithBulkTransfers(bulkOn).
		WithTableTranslation(tableOn).
		Build(0)

	return &testEnv{
		host: host,
		emu:  emu,
		dev:  dev,
		eng:  MakeBuilder().WithDevice(dev).Build(),
	}
}

func (env *testEnv) deviceBytes(hostBegin uintptr, size int64) []byte {
	dev, _, found := env.dev.DataMap.DeviceBegin(hostBegin, size, false)
	Expect(found).To(BeTrue())
	return hostmem.MustRead(env.emu.DeviceMemory(), dev, size)
}

var _ = Describe("Engine", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(false, false)
	})

	It("should map a to-argument and copy its data", func() {
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())

		err := env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | TargetParam},
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(env.deviceBytes(0x1000, 4)).To(Equal([]byte{1, 2, 3, 4}))
		Expect(env.dev.DataMap.RefCountOf(0x1000)).To(Equal(int64(1)))
	})

	It("should not copy again when the region is already mapped", func() {
		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To}}
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())

		Expect(env.host.Write(0x1000, []byte{9, 9, 9, 9})).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())

		Expect(env.deviceBytes(0x1000, 4)).To(Equal([]byte{1, 2, 3, 4}))
		Expect(env.dev.DataMap.RefCountOf(0x1000)).To(Equal(int64(2)))
	})

	It("should copy again for an always-argument", func() {
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())
		Expect(env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To},
		})).To(Succeed())

		Expect(env.host.Write(0x1000, []byte{9, 9, 9, 9})).To(Succeed())
		Expect(env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | Always},
		})).To(Succeed())

		Expect(env.deviceBytes(0x1000, 4)).To(Equal([]byte{9, 9, 9, 9}))
	})

	It("should copy back and free on the last end", func() {
		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | From}}
		Expect(env.eng.Begin(args)).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())

		dev, _, _ := env.dev.DataMap.DeviceBegin(0x1000, 4, false)
		Expect(env.emu.Submit(dev, []byte{7, 7, 7, 7})).To(Succeed())

		Expect(env.eng.End(args)).To(Succeed())
		Expect(hostmem.MustRead(env.host, 0x1000, 4)).
			To(Equal([]byte{0, 0, 0, 0}))

		Expect(env.eng.End(args)).To(Succeed())
		Expect(hostmem.MustRead(env.host, 0x1000, 4)).
			To(Equal([]byte{7, 7, 7, 7}))
		Expect(env.dev.DataMap.Len()).To(Equal(0))
		Expect(env.emu.FreeCount()).To(Equal(1))
	})

	It("should force-release all references on a delete-argument", func() {
		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To}}
		Expect(env.eng.Begin(args)).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())

		Expect(env.eng.End([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: Delete},
		})).To(Succeed())

		Expect(env.dev.DataMap.Len()).To(Equal(0))
		Expect(env.emu.FreeCount()).To(Equal(1))
	})

	It("should reject an explicit range extending a mapped one", func() {
		Expect(env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 0x100, Type: To},
		})).To(Succeed())

		err := env.eng.Begin([]Arg{
			{Base: 0xf80, Begin: 0xf80, Size: 0x100, Type: To},
		})

		Expect(err).To(MatchError(ErrIllegalMapping))
	})

	It("should panic on an unbalanced end", func() {
		Expect(func() {
			_ = env.eng.End([]Arg{
				{Base: 0x1000, Begin: 0x1000, Size: 4, Type: From},
			})
		}).To(Panic())
	})

	It("should widen a combined entry to keep members aligned", func() {
		Expect(env.eng.Begin([]Arg{
			{Base: 0x1004, Begin: 0x1004, Size: 8, Type: To | TargetParam},
			{Base: 0x1004, Begin: 0x1008, Size: 4, Type: To | MemberOfFlag(0)},
		})).To(Succeed())

		entries := env.dev.DataMap.Entries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].HostBegin).To(Equal(uintptr(0x1000)))
		Expect(entries[0].HostEnd).To(Equal(uintptr(0x100c)))
	})

	It("should copy a member only while the parent is freshly mapped", func() {
		structArgs := []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 16, Type: To | TargetParam},
		}
		Expect(env.host.Write(0x1000, []byte{1, 1, 1, 1})).To(Succeed())
		Expect(env.eng.Begin(structArgs)).To(Succeed())

		Expect(env.host.Write(0x1000, []byte{9, 9, 9, 9})).To(Succeed())
		memberArgs := []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 16, Type: To | TargetParam},
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | MemberOfFlag(0)},
		}
		Expect(env.eng.Begin(memberArgs)).To(Succeed())

		Expect(env.deviceBytes(0x1000, 4)).To(Equal([]byte{1, 1, 1, 1}))

		Expect(env.eng.End(memberArgs)).To(Succeed())
		Expect(env.dev.DataMap.Len()).To(Equal(1))
		Expect(env.eng.End(structArgs)).To(Succeed())
		Expect(env.dev.DataMap.Len()).To(Equal(0))
	})

	It("should write the translated base for a return-param argument", func() {
		args := []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | ReturnParam},
		}

		Expect(env.eng.Begin(args)).To(Succeed())

		dev, _, found := env.dev.DataMap.DeviceBegin(0x1000, 4, false)
		Expect(found).To(BeTrue())
		Expect(args[0].Base).To(Equal(dev))
	})

	Context("with a pointer-and-object argument", func() {
		BeforeEach(func() {
			// Pointer at 0x1000 points at a 16-byte buffer at 0x2000.
			Expect(env.host.WritePointer(0x1000, 0x2000)).To(Succeed())
			Expect(env.host.Write(0x2000, []byte{1, 2, 3, 4})).To(Succeed())
		})

		It("should map the pointer cell and rewrite it on the device", func() {
			Expect(env.eng.Begin([]Arg{
				{Base: 0x1000, Begin: 0x2000, Size: 16,
					Type: To | PtrAndObj | TargetParam},
			})).To(Succeed())

			pointeeDev, _, found := env.dev.DataMap.DeviceBegin(0x2000, 16, false)
			Expect(found).To(BeTrue())
			cellDev, _, found := env.dev.DataMap.DeviceBegin(
				0x1000, hostmem.PointerSize, false)
			Expect(found).To(BeTrue())

			val, err := env.emu.DeviceMemory().ReadPointer(cellDev)
			Expect(err).ToNot(HaveOccurred())
			Expect(val).To(Equal(pointeeDev))
			Expect(env.dev.Shadows.Len()).To(Equal(1))
		})

		It("should release the pointee but keep the pointer cell on end", func() {
			args := []Arg{
				{Base: 0x1000, Begin: 0x2000, Size: 16,
					Type: To | From | PtrAndObj | TargetParam},
			}
			Expect(env.eng.Begin(args)).To(Succeed())

			Expect(env.eng.End(args)).To(Succeed())

			_, _, found := env.dev.DataMap.DeviceBegin(0x2000, 16, false)
			Expect(found).To(BeFalse())
			_, _, found = env.dev.DataMap.DeviceBegin(
				0x1000, hostmem.PointerSize, false)
			Expect(found).To(BeTrue())
		})
	})

	It("should restore host pointer fields after copying a struct back", func() {
		// A 16-byte struct at 0x1000 holds a pointer at 0x1008 to a
		// buffer at 0x2000.
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})).
			To(Succeed())
		Expect(env.host.WritePointer(0x1008, 0x2000)).To(Succeed())
		Expect(env.host.Write(0x2000, []byte{42})).To(Succeed())

		args := []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 16,
				Type: To | From | TargetParam},
			{Base: 0x1008, Begin: 0x2000, Size: 8,
				Type: To | From | PtrAndObj | MemberOfFlag(0)},
		}
		Expect(env.eng.Begin(args)).To(Succeed())
		Expect(env.eng.End(args)).To(Succeed())

		restored, err := env.host.ReadPointer(0x1008)
		Expect(err).ToNot(HaveOccurred())
		Expect(restored).To(Equal(uintptr(0x2000)))
		Expect(env.dev.DataMap.Len()).To(Equal(0))
		Expect(env.dev.Shadows.Len()).To(Equal(0))
		Expect(env.emu.FreeCount()).To(Equal(2))
	})

	It("should update mapped regions in both directions", func() {
		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To}}
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())
		Expect(env.eng.Begin(args)).To(Succeed())

		Expect(env.host.Write(0x1000, []byte{5, 6, 7, 8})).To(Succeed())
		Expect(env.eng.Update([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To},
		})).To(Succeed())
		Expect(env.deviceBytes(0x1000, 4)).To(Equal([]byte{5, 6, 7, 8}))

		dev, _, _ := env.dev.DataMap.DeviceBegin(0x1000, 4, false)
		Expect(env.emu.Submit(dev, []byte{9, 9, 9, 9})).To(Succeed())
		Expect(env.eng.Update([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: From},
		})).To(Succeed())
		Expect(hostmem.MustRead(env.host, 0x1000, 4)).
			To(Equal([]byte{9, 9, 9, 9}))
	})

	It("should skip update of unmapped regions", func() {
		Expect(env.eng.Update([]Arg{
			{Base: 0x9000, Begin: 0x9000, Size: 4, Type: To | From},
		})).To(Succeed())
	})

	It("should run a kernel and unmap afterwards", func() {
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				data := hostmem.MustRead(em.DeviceMemory(), args[0], 4)
				for i := range data {
					data[i]++
				}
				return em.DeviceMemory().Write(args[0], data)
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | From | TargetParam},
		}, ExecConfig{NumTeams: 1})

		Expect(err).ToNot(HaveOccurred())
		Expect(hostmem.MustRead(env.host, 0x1000, 4)).
			To(Equal([]byte{2, 3, 4, 5}))
		Expect(env.emu.FreeCount()).To(Equal(env.emu.AllocCount()))
	})

	It("should marshal literal and private arguments", func() {
		Expect(env.host.Write(0x1000, []byte{3})).To(Succeed())
		var gotLiteral uintptr
		var privateByte byte
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				gotLiteral = args[0]
				privateByte = hostmem.MustRead(em.DeviceMemory(), args[1], 1)[0]
				return nil
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x2a, Begin: 0x2a, Size: 8, Type: Literal | TargetParam},
			{Base: 0x1000, Begin: 0x1000, Size: 1,
				Type: To | Private | TargetParam},
		}, ExecConfig{NumTeams: 1})

		Expect(err).ToNot(HaveOccurred())
		Expect(gotLiteral).To(Equal(uintptr(0x2a)))
		Expect(privateByte).To(Equal(byte(3)))
		Expect(env.emu.FreeCount()).To(Equal(env.emu.AllocCount()))
		Expect(env.dev.DataMap.Len()).To(Equal(0))
	})

	It("should hand the trip count to the launch", func() {
		var gotTrip uint64
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				gotTrip = cfg.LoopTripCount
				return nil
			})
		env.dev.PushTripCount(512)

		err := env.eng.Execute(testEntryAddr, nil, ExecConfig{NumTeams: 2})

		Expect(err).ToNot(HaveOccurred())
		Expect(gotTrip).To(Equal(uint64(512)))
	})

	It("should patch pointer captures of a mapped closure", func() {
		// A 16-byte closure object at 0x1000 captures a pointer at
		// 0x1008 to a buffer at 0x2000.
		Expect(env.host.WritePointer(0x1008, 0x2000)).To(Succeed())
		Expect(env.host.Write(0x2000, []byte{1, 2, 3, 4})).To(Succeed())

		dataArgs := []Arg{
			{Base: 0x2000, Begin: 0x2000, Size: 8, Type: To},
		}
		Expect(env.eng.Begin(dataArgs)).To(Succeed())

		var captured uintptr
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				var err error
				captured, err = em.DeviceMemory().ReadPointer(args[0] + 8)
				return err
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 16,
				Type: To | TargetParam | Implicit},
			{Base: 0x1008, Begin: 0x2000, Size: 8,
				Type: PtrAndObj | Literal | Implicit},
		}, ExecConfig{NumTeams: 1})
		Expect(err).ToNot(HaveOccurred())

		pointeeDev, _, found := env.dev.DataMap.DeviceBegin(0x2000, 8, false)
		Expect(found).To(BeTrue())
		Expect(captured).To(Equal(pointeeDev))

		Expect(env.eng.End(dataArgs)).To(Succeed())
	})

	It("should skip a capture whose pointee is not mapped", func() {
		Expect(env.host.WritePointer(0x1008, 0x2000)).To(Succeed())

		launched := false
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				launched = true
				return nil
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 16,
				Type: To | TargetParam | Implicit},
			{Base: 0x1008, Begin: 0x2000, Size: 8,
				Type: PtrAndObj | Literal | Implicit},
		}, ExecConfig{NumTeams: 1})

		Expect(err).ToNot(HaveOccurred())
		Expect(launched).To(BeTrue())
	})

	Context("with nested region expansion", func() {
		var (
			mockCtrl *gomock.Controller
			expander *MockRegionExpander
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			expander = NewMockRegionExpander(mockCtrl)
			env.eng = MakeBuilder().
				WithDevice(env.dev).
				WithExpander(expander).
				Build()
		})

		It("should map the derived arguments after the originals", func() {
			parent := Arg{Base: 0x1000, Begin: 0x1000, Size: 16,
				Type: To | TargetParam | HasNested}
			expander.EXPECT().Expand(parent).Return([]Arg{
				{Base: 0x2000, Begin: 0x2000, Size: 8, Type: To},
			}, nil)

			Expect(env.eng.Begin([]Arg{parent})).To(Succeed())

			Expect(env.dev.DataMap.Len()).To(Equal(2))
			_, _, found := env.dev.DataMap.DeviceBegin(0x2000, 8, false)
			Expect(found).To(BeTrue())
		})

		It("should release the derived arguments on end", func() {
			parent := Arg{Base: 0x1000, Begin: 0x1000, Size: 16,
				Type: To | From | TargetParam | HasNested}
			expander.EXPECT().Expand(parent).Return([]Arg{
				{Base: 0x2000, Begin: 0x2000, Size: 8, Type: To | From},
			}, nil).Times(2)

			Expect(env.eng.Begin([]Arg{parent})).To(Succeed())
			Expect(env.dev.DataMap.Len()).To(Equal(2))

			childDev, _, _ := env.dev.DataMap.DeviceBegin(0x2000, 8, false)
			Expect(env.emu.Submit(childDev, []byte{9, 9, 9, 9, 9, 9, 9, 9})).
				To(Succeed())

			Expect(env.eng.End([]Arg{parent})).To(Succeed())

			Expect(env.dev.DataMap.Len()).To(Equal(0))
			Expect(env.emu.FreeCount()).To(Equal(env.emu.AllocCount()))
			Expect(hostmem.MustRead(env.host, 0x2000, 8)).
				To(Equal([]byte{9, 9, 9, 9, 9, 9, 9, 9}))
		})
	})
})

var _ = Describe("Engine in bulk mode", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(true, false)
	})

	It("should have flushed all transfers before the launch", func() {
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())
		Expect(env.host.Write(0x1004, []byte{5, 6, 7, 8})).To(Succeed())

		var seen []byte
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				seen = hostmem.MustRead(em.DeviceMemory(), args[0], 4)
				return nil
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | TargetParam},
			{Base: 0x1004, Begin: 0x1004, Size: 4, Type: To},
		}, ExecConfig{NumTeams: 1})

		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(Equal([]byte{1, 2, 3, 4}))
		Expect(env.dev.Bulk.Pending()).To(Equal(0))
		Expect(env.dev.PtrUpdates.Pending()).To(Equal(0))
	})

	It("should defer device pointer rewrites until the flush", func() {
		Expect(env.host.WritePointer(0x1000, 0x2000)).To(Succeed())
		Expect(env.host.Write(0x2000, []byte{1, 2, 3, 4})).To(Succeed())

		Expect(env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x2000, Size: 16,
				Type: To | PtrAndObj | TargetParam},
		})).To(Succeed())

		pointeeDev, _, _ := env.dev.DataMap.DeviceBegin(0x2000, 16, false)
		cellDev, _, _ := env.dev.DataMap.DeviceBegin(
			0x1000, hostmem.PointerSize, false)
		val, err := env.emu.DeviceMemory().ReadPointer(cellDev)
		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal(pointeeDev))
		Expect(env.dev.PtrUpdates.Pending()).To(Equal(0))
	})

	It("should copy back through the batched path on end", func() {
		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | From}}
		Expect(env.eng.Begin(args)).To(Succeed())

		dev, _, _ := env.dev.DataMap.DeviceBegin(0x1000, 4, false)
		Expect(env.emu.Submit(dev, []byte{7, 7, 7, 7})).To(Succeed())

		Expect(env.eng.End(args)).To(Succeed())

		Expect(hostmem.MustRead(env.host, 0x1000, 4)).
			To(Equal([]byte{7, 7, 7, 7}))
		Expect(env.dev.DataMap.Len()).To(Equal(0))
	})
})

var _ = Describe("Engine in table mode", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(false, true)
	})

	It("should append the uploaded table as the trailing argument", func() {
		Expect(env.host.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())

		var count uint64
		var argCount int
		env.emu.RegisterKernel("test_kernel",
			func(em *rtl.Emulator, args []uintptr, cfg rtl.TeamConfig) error {
				argCount = len(args)
				raw, err := em.DeviceMemory().ReadPointer(args[len(args)-1])
				count = uint64(raw)
				return err
			})

		err := env.eng.Execute(testEntryAddr, []Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To | From | TargetParam},
		}, ExecConfig{NumTeams: 1})

		Expect(err).ToNot(HaveOccurred())
		Expect(argCount).To(Equal(2))
		Expect(count).To(Equal(uint64(1)))
		Expect(env.emu.FreeCount()).To(Equal(env.emu.AllocCount()))
	})

	It("should keep the host value in device pointer cells", func() {
		Expect(env.host.WritePointer(0x1000, 0x2000)).To(Succeed())
		Expect(env.host.Write(0x2000, []byte{1, 2, 3, 4})).To(Succeed())

		Expect(env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x2000, Size: 16,
				Type: To | PtrAndObj | TargetParam},
		})).To(Succeed())

		Expect(env.dev.Shadows.Len()).To(Equal(0))
		cellDev, _, found := env.dev.DataMap.DeviceBegin(
			0x1000, hostmem.PointerSize, false)
		Expect(found).To(BeTrue())
		val, err := env.emu.DeviceMemory().ReadPointer(cellDev)
		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal(uintptr(0x2000)))
	})
})

var _ = Describe("Engine with a failing driver", func() {
	var (
		mockCtrl *gomock.Controller
		drv      *MockDriver
		env      *testEnv
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		drv = NewMockDriver(mockCtrl)

		host := hostmem.NewSparseMemory()
		dev := device.MakeBuilder().
			WithDriver(drv).
			WithHostMemory(host).
			WithKernelRegistry(kernel.NewRegistry(1)).
			Build(0)
		env = &testEnv{host: host, dev: dev,
			eng: MakeBuilder().WithDevice(dev).Build()}
	})

	It("should report an allocation failure", func() {
		drv.EXPECT().
			Allocate(int64(4), uintptr(0x1000)).
			Return(uintptr(0), assertAnError)

		err := env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To},
		})

		Expect(err).To(MatchError(ErrAllocation))
	})

	It("should report a transfer failure", func() {
		drv.EXPECT().
			Allocate(int64(4), uintptr(0x1000)).
			Return(uintptr(0x8000), nil)
		drv.EXPECT().
			CopyToDevice(uintptr(0x8000), uintptr(0x1000), int64(4)).
			Return(assertAnError)

		err := env.eng.Begin([]Arg{
			{Base: 0x1000, Begin: 0x1000, Size: 4, Type: To},
		})

		Expect(err).To(MatchError(ErrTransfer))
	})

	It("should report a failing free as an allocation error", func() {
		drv.EXPECT().
			Allocate(int64(4), uintptr(0x1000)).
			Return(uintptr(0x8000), nil)
		drv.EXPECT().
			Free(uintptr(0x8000)).
			Return(assertAnError)

		args := []Arg{{Base: 0x1000, Begin: 0x1000, Size: 4, Type: Implicit}}
		Expect(env.eng.Begin(args)).To(Succeed())

		err := env.eng.End(args)

		Expect(err).To(MatchError(ErrAllocation))
		Expect(err).ToNot(MatchError(ErrLookupMiss))
	})
})
