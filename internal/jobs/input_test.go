package jobs_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/episurv/surveillance/internal/jobs"
)

type reportInput struct {
	Region string   `json:"region"`
	Weeks  int      `json:"weeks"`
	Tags   []string `json:"tags"`
}

var reportSchema = jobs.NewInputSchema("report", map[string]any{
	"type":     "object",
	"required": []string{"region"},
	"properties": map[string]any{
		"region": map[string]any{"type": "string", "minLength": 1},
		"weeks":  map[string]any{"type": "integer", "minimum": 1},
		"tags":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
})

var _ = Describe("DecodeInput", func() {
	It("decodes a valid payload into the typed input", func() {
		in, err := jobs.DecodeInput[reportInput](reportSchema, map[string]any{
			"region": "NOA",
			"weeks":  4,
			"tags":   []any{"dengue"},
		})

		Expect(err).To(BeNil())
		Expect(in).To(Equal(reportInput{Region: "NOA", Weeks: 4, Tags: []string{"dengue"}}))
	})

	It("rejects a payload missing a required field", func() {
		_, err := jobs.DecodeInput[reportInput](reportSchema, map[string]any{"weeks": 4})

		Expect(err).To(MatchError(ContainSubstring("does not match schema")))
	})

	It("rejects a payload with a wrong type", func() {
		_, err := jobs.DecodeInput[reportInput](reportSchema, map[string]any{"region": "NOA", "weeks": "four"})

		Expect(err).ToNot(BeNil())
	})
})

var _ = Describe("EncodeOutput", func() {
	It("turns a struct into a generic payload", func() {
		out, err := jobs.EncodeOutput(reportInput{Region: "NEA", Weeks: 2})

		Expect(err).To(BeNil())
		Expect(out).To(HaveKeyWithValue("region", "NEA"))
		Expect(out).To(HaveKeyWithValue("weeks", BeNumerically("==", 2)))
	})
})
