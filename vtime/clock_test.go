package vtime

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/testbench/hooking"
)

var _ = Describe("Clock", func() {
	var (
		mockCtrl *gomock.Controller
		clock    *Clock
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		clock = NewClock()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should start at instant zero", func() {
		Expect(clock.Now()).To(Equal(VTime(0)))
	})

	It("should fire callbacks in ascending deadline order", func() {
		handler1 := NewMockHandler(mockCtrl)
		handler2 := NewMockHandler(mockCtrl)

		deadline1 := VTime(0).Add(4 * time.Second)
		deadline2 := VTime(0).Add(2 * time.Second)

		handle2 := handler2.EXPECT().Handle(deadline2)
		handler1.EXPECT().Handle(deadline1).After(handle2)

		clock.Schedule(deadline1, handler1)
		clock.Schedule(deadline2, handler2)

		clock.Advance(5 * time.Second)

		Expect(clock.Now()).To(Equal(VTime(0).Add(5 * time.Second)))
	})

	It("should break deadline ties in registration order", func() {
		deadline := VTime(0).Add(time.Second)

		var order []string
		clock.ScheduleFunc(deadline, func(VTime) {
			order = append(order, "first")
		})
		clock.ScheduleFunc(deadline, func(VTime) {
			order = append(order, "second")
		})
		clock.ScheduleFunc(deadline, func(VTime) {
			order = append(order, "third")
		})

		clock.Advance(time.Second)

		Expect(order).To(Equal([]string{"first", "second", "third"}))
	})

	It("should not fire callbacks beyond the advanced window", func() {
		handler := NewMockHandler(mockCtrl)

		clock.Schedule(VTime(0).Add(3*time.Second), handler)

		clock.Advance(2 * time.Second)

		Expect(clock.Pending()).To(Equal(1))

		handler.EXPECT().Handle(VTime(0).Add(3 * time.Second))
		clock.Advance(time.Second)
	})

	It("should fire callbacks scheduled during an advance when due", func() {
		var fired []time.Duration

		clock.ScheduleFunc(VTime(0).Add(time.Second), func(now VTime) {
			fired = append(fired, now.Sub(0))
			clock.ScheduleFunc(now.Add(time.Second), func(inner VTime) {
				fired = append(fired, inner.Sub(0))
			})
		})

		clock.Advance(3 * time.Second)

		Expect(fired).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
	})

	It("should not run a cancelled callback", func() {
		handler := NewMockHandler(mockCtrl)

		handle := clock.Schedule(VTime(0).Add(time.Second), handler)
		clock.Cancel(handle)

		clock.Advance(2 * time.Second)
	})

	It("should ignore cancelling an already-fired handle", func() {
		handler := NewMockHandler(mockCtrl)
		handler.EXPECT().Handle(gomock.Any())

		handle := clock.Schedule(VTime(0).Add(time.Second), handler)
		clock.Advance(2 * time.Second)

		clock.Cancel(handle)
		clock.Cancel(Handle{})
	})

	It("should panic when scheduling in the past", func() {
		clock.Advance(time.Second)

		Expect(func() {
			clock.ScheduleFunc(VTime(0), func(VTime) {})
		}).To(Panic())
	})

	It("should fire the same sequence across identical runs", func() {
		run := func() []string {
			c := NewClock()
			var order []string

			for _, name := range []string{"a", "b", "c"} {
				name := name
				c.ScheduleFunc(VTime(0).Add(2*time.Second), func(VTime) {
					order = append(order, name)
				})
			}
			c.ScheduleFunc(VTime(0).Add(time.Second), func(VTime) {
				order = append(order, "early")
			})

			for i := 0; i < 4; i++ {
				c.Advance(time.Second)
			}

			return order
		}

		first := run()
		second := run()

		Expect(second).To(Equal(first))
		Expect(first).To(Equal([]string{"early", "a", "b", "c"}))
	})

	It("should invoke hooks around each firing", func() {
		hook := &positionRecordingHook{}
		clock.AcceptHook(hook)

		clock.ScheduleFunc(VTime(0).Add(time.Second), func(VTime) {})
		clock.Advance(time.Second)

		Expect(hook.positions).To(Equal([]string{"BeforeFire", "AfterFire"}))
	})
})

type positionRecordingHook struct {
	positions []string
}

func (h *positionRecordingHook) Func(ctx hooking.HookCtx) {
	h.positions = append(h.positions, ctx.Pos.Name)
}
