package vtime

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DeviceRegistry", func() {
	var (
		clock   *Clock
		devices *DeviceRegistry
	)

	BeforeEach(func() {
		clock = NewClock()
		devices = NewDeviceRegistry(clock)

		devices.RegisterDevice("master", 0)
		devices.RegisterDevice("wearable", 150*time.Millisecond)
		devices.RegisterDevice("phone", -80*time.Millisecond)
	})

	It("should observe the harness clock shifted by the device skew", func() {
		clock.Advance(10 * time.Second)

		now, err := devices.DeviceNow("wearable")
		Expect(err).ToNot(HaveOccurred())
		Expect(now.Sub(clock.Now())).To(Equal(150 * time.Millisecond))
	})

	It("should fail for unknown devices", func() {
		_, err := devices.DeviceNow("toaster")
		Expect(err).To(HaveOccurred())

		Expect(devices.Synchronize("toaster")).ToNot(Succeed())
	})

	It("should keep device disagreement within the registered bound", func() {
		clock.Advance(time.Minute)

		wearable, _ := devices.DeviceNow("wearable")
		phone, _ := devices.DeviceNow("phone")

		disagreement := wearable.Sub(phone)
		Expect(disagreement).To(BeNumerically("~", 230*time.Millisecond, time.Millisecond))
	})

	It("should align every device to the master on synchronize", func() {
		Expect(devices.Synchronize("wearable")).To(Succeed())

		clock.Advance(time.Second)

		wearable, _ := devices.DeviceNow("wearable")
		phone, _ := devices.DeviceNow("phone")
		master, _ := devices.DeviceNow("master")

		Expect(phone).To(Equal(wearable))
		Expect(master).To(Equal(wearable))

		skew, err := devices.Skew("phone")
		Expect(err).ToNot(HaveOccurred())
		Expect(skew).To(Equal(150 * time.Millisecond))
	})
})
