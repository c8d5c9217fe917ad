package events

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("buffer", func() {
	It("keeps messages in arrival order", func() {
		b := newBuffer()

		b.PushBack(&message{Kind: JobFinishedKind, Data: []byte("job-1")})
		b.PushBack(&message{Kind: GeocodingBatchKind, Data: []byte("batch-1")})
		b.PushBack(&message{Kind: JobFinishedKind, Data: []byte("job-2")})
		Expect(b.Size()).To(Equal(3))
		Expect(b.head.Data).To(Equal([]byte("job-1")))
		Expect(b.tail.Data).To(Equal([]byte("job-2")))

		for _, want := range []string{"job-1", "batch-1", "job-2"} {
			m := b.Pop()
			Expect(m).NotTo(BeNil())
			Expect(string(m.Data)).To(Equal(want))
		}

		Expect(b.Size()).To(BeZero())
		Expect(b.head).To(BeNil())
		Expect(b.tail).To(BeNil())
		Expect(b.Pop()).To(BeNil())
	})

	It("accepts messages again once emptied", func() {
		b := newBuffer()
		b.PushBack(&message{Kind: JobFinishedKind, Data: []byte("job-1")})
		Expect(b.Pop()).NotTo(BeNil())

		b.PushBack(&message{Kind: JobFinishedKind, Data: []byte("job-2")})
		Expect(b.Size()).To(Equal(1))
		Expect(string(b.Pop().Data)).To(Equal("job-2"))
	})
})
