package spacer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRemoteError(t *testing.T) {
	tests := []struct {
		name      string
		traceback string
		class     string
		info      string
		kind      string
		message   string
	}{
		{
			name: "class and info",
			traceback: "Traceback (most recent call last):\n" +
				"  File \"spacer/tasks.py\", line 12, in classify_image\n" +
				"spacer.exceptions.DataLimitError: Too many rowcols: 2000\n",
			class:   "spacer.exceptions.DataLimitError",
			info:    "Too many rowcols: 2000",
			kind:    "DataLimitError",
			message: "spacer.exceptions.DataLimitError: Too many rowcols: 2000",
		},
		{
			name:      "class only",
			traceback: "Traceback (most recent call last):\n  File \"x.py\", line 1\nAssertionError",
			class:     "AssertionError",
			info:      "",
			kind:      "AssertionError",
			message:   "AssertionError",
		},
		{
			name:      "split at first colon",
			traceback: "PIL.UnidentifiedImageError: cannot identify image file: <_io.BytesIO>\n\n  \n",
			class:     "PIL.UnidentifiedImageError",
			info:      "cannot identify image file: <_io.BytesIO>",
			kind:      "UnidentifiedImageError",
			message:   "PIL.UnidentifiedImageError: cannot identify image file: <_io.BytesIO>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ParseRemoteError(tt.traceback)
			assert.Equal(t, tt.class, e.Class)
			assert.Equal(t, tt.info, e.Info)
			assert.Equal(t, tt.kind, e.Kind())
			assert.Equal(t, tt.message, e.Error())
			assert.Equal(t, tt.traceback, e.Traceback)
		})
	}
}

func TestJobMsgCarriesTokenAndPayload(t *testing.T) {
	msg, err := NewJobMsg(TaskExtractFeatures, "42", ExtractFeaturesPayload{
		Extractor: "efficientnet_b0_ver1",
		RowCols:   []RowCol{{Row: 10, Col: 20}},
		ImageKey:  "images/42.jpg",
	})
	require.NoError(t, err)
	require.Len(t, msg.Tasks, 1)
	assert.Equal(t, "42", msg.Tasks[0].JobToken)
	assert.Equal(t, TaskExtractFeatures, msg.Tasks[0].Kind)

	var p ExtractFeaturesPayload
	require.NoError(t, msg.Tasks[0].DecodePayload(&p))
	assert.Equal(t, []RowCol{{Row: 10, Col: 20}}, p.RowCols)

	ret := JobReturnMsg{OriginalJob: JobMsg{TaskName: TaskExtractFeatures}}
	_, err = ret.Task()
	assert.Error(t, err)
	assert.Error(t, ret.DecodeResult(&ExtractFeaturesResult{}))
}

func TestSimulatorScoresAreStable(t *testing.T) {
	sim := NewSimulator(5, 6, 7)
	msg := ClassifyFeaturesMsg{
		JobToken:     "1",
		FeatureKey:   "features/1.json",
		ClassifierID: 3,
		RowCols:      []RowCol{{Row: 1, Col: 1}, {Row: 50, Col: 80}},
	}

	first, err := sim.ClassifyFeatures(context.Background(), msg)
	require.NoError(t, err)
	second, err := sim.ClassifyFeatures(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, []int64{5, 6, 7}, first.Classes)
	for _, rc := range msg.RowCols {
		scores, ok := first.ScoresAt(rc)
		require.True(t, ok)
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	_, ok := first.ScoresAt(RowCol{Row: 2, Col: 2})
	assert.False(t, ok)
}

func TestSimulatorFailures(t *testing.T) {
	sim := NewSimulator()
	sim.FailWith(TaskTrainClassifier, "Traceback\nspacer.exceptions.RowColumnMismatchError: mismatch")

	msg, err := NewJobMsg(TaskTrainClassifier, "7", TrainClassifierPayload{ClassifierID: 1})
	require.NoError(t, err)
	ret := sim.Process(context.Background(), msg)
	assert.False(t, ret.OK)
	assert.Equal(t, "RowColumnMismatchError", ParseRemoteError(ret.ErrorMessage).Kind())

	sim.FailWith(TaskTrainClassifier, "")
	ret = sim.Process(context.Background(), msg)
	require.True(t, ret.OK, ret.ErrorMessage)
	var res TrainClassifierResult
	require.NoError(t, ret.DecodeResult(&res))
	assert.Equal(t, 0.8, res.Acc)
	assert.Empty(t, res.PcAccs)

	bad := JobMsg{TaskName: "mystery", Tasks: []Task{{JobToken: "8", Kind: "mystery", Payload: []byte(`{}`)}}}
	ret = sim.Process(context.Background(), bad)
	assert.False(t, ret.OK)
	assert.Contains(t, ParseRemoteError(ret.ErrorMessage).Info, `unknown task kind "mystery"`)
}

func TestClassifyReturnMsgValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  ClassifyReturnMsg
		ok   bool
	}{
		{"matching", ClassifyReturnMsg{Classes: []int64{1, 2}, Scores: []PointScores{{Scores: []float64{0.4, 0.6}}}}, true},
		{"empty", ClassifyReturnMsg{}, true},
		{"extra scores", ClassifyReturnMsg{Classes: []int64{1}, Scores: []PointScores{{Scores: []float64{0.4, 0.6}}}}, false},
		{"missing scores", ClassifyReturnMsg{Classes: []int64{1, 2}, Scores: []PointScores{{Scores: []float64{1}}}}, false},
		{"no classes", ClassifyReturnMsg{Scores: []PointScores{{}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedResult)
			}
		})
	}
}
