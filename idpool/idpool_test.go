package idpool_test

import (
	"github.com/skyrpc/ttrpc/idpool"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	var pool *idpool.Pool

	BeforeEach(func() {
		pool = idpool.New()
	})

	It("hands out only odd ids", func() {
		for i := 0; i < 50; i++ {
			Expect(pool.NewID() % 2).To(Equal(uint32(1)))
		}
	})

	It("never hands out an id already in use", func() {
		seen := map[uint32]bool{}
		for i := 0; i < 200; i++ {
			id := pool.NewID()
			Expect(seen[id]).To(BeFalse(), "id %d allocated twice", id)
			seen[id] = true
		}
	})

	It("makes a returned id allocatable again", func() {
		a := pool.NewID()
		b := pool.NewID()
		Expect(a).NotTo(Equal(b))

		pool.ReturnID(a)
		Expect(pool.InUse(a)).To(BeFalse())

		// the smallest free odd id is reused first
		c := pool.NewID()
		Expect(c).To(Equal(a))
	})

	It("drains asynchronous releases before allocating", func() {
		a := pool.NewID()
		pool.Release(a)

		Eventually(func() uint32 {
			return pool.NewID()
		}).Should(Equal(a))
	})

	It("reserves a specific id on request and rejects a second reservation", func() {
		Expect(pool.RequestID(7)).To(BeTrue())
		Expect(pool.RequestID(7)).To(BeFalse())

		pool.ReturnID(7)
		Expect(pool.RequestID(7)).To(BeTrue())
	})
})
