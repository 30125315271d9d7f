package pipeline

// Stage is a step of the strictly linear training run.
type Stage int

const (
	StageNone Stage = iota
	StageMetadataLoaded
	StageSplit
	StageTrainFeatures
	StageTestFeatures
	StageTrainValSplit
	StageTrained
	StageEvaluated
	StageExported
	StageQuantized
)

var stageNames = [...]string{
	StageNone:           "none",
	StageMetadataLoaded: "metadata_loaded",
	StageSplit:          "split",
	StageTrainFeatures:  "features_extracted(train)",
	StageTestFeatures:   "features_extracted(test)",
	StageTrainValSplit:  "train_val_split",
	StageTrained:        "trained",
	StageEvaluated:      "evaluated",
	StageExported:       "exported",
	StageQuantized:      "quantized",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
