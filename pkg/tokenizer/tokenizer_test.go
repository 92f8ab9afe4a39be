package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty string", text: "", want: 0},
		{name: "single word", text: "hello", want: 1},
		{name: "word with trailing punctuation", text: "hello,", want: 2},
		{name: "sentence", text: "the quick brown fox", want: 4},
		{name: "sentence with punctuation", text: "Wait, really?", want: 4},
		{name: "whitespace only", text: "   \t\n  ", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	text := "the objective of this run is to ship contextd."
	first := Estimate(text)
	second := Estimate(text)

	assert.Equal(t, first, second)
}

func TestEstimateItemsSums(t *testing.T) {
	items := []string{"hello world", "foo"}

	assert.Equal(t, Estimate(items[0])+Estimate(items[1]), EstimateItems(items))
}

func TestEstimateItemsEmpty(t *testing.T) {
	assert.Equal(t, 0, EstimateItems(nil))
}
