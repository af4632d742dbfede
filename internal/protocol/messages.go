package protocol

// Model describes the network shape the trainer should build.
type Model struct {
	Inputs            []int    `json:"inputs"`
	Outputs           []int    `json:"outputs"`
	FeatureExtractors []string `json:"feature_extractors,omitempty"`
	Recurrent         bool     `json:"recurrent"`
	NormalizeInputs   bool     `json:"normalize_inputs"`
	NormalizeRewards  bool     `json:"normalize_rewards"`
}

// HyperParams are passed through to the trainer untouched.
type HyperParams struct {
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate"`
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	MinibatchLength int     `json:"minibatch_length,omitempty" yaml:"minibatch_length"`
	NumMinibatch    int     `json:"num_minibatch,omitempty" yaml:"num_minibatch"`
	Epochs          int     `json:"epochs" yaml:"epochs"`
	DiscountFactor  float64 `json:"discount_factor" yaml:"discount_factor"`
	UseGAE          bool    `json:"use_gae" yaml:"use_gae"`
	GAE             float64 `json:"gae" yaml:"gae"`
	CriticCoef      float64 `json:"critic_coef" yaml:"critic_coef"`
	EntropyCoef     float64 `json:"entropy_coef" yaml:"entropy_coef"`
	MaxGradNorm     float64 `json:"max_grad_norm" yaml:"max_grad_norm"`
	ClipFactor      float64 `json:"clip_factor" yaml:"clip_factor"`
	UseGPU          bool    `json:"use_gpu" yaml:"use_gpu"`
}

type BeginSessionParam struct {
	Model       Model        `json:"model"`
	HyperParams *HyperParams `json:"hyperparams,omitempty"`
	SessionID   int          `json:"session_id"`
	Training    bool         `json:"training"`
	Contexts    int          `json:"contexts"`
	AutoTrain   bool         `json:"auto_train"`
	ModelPath   string       `json:"model_path,omitempty"`
}

// GetActionsParam carries one feature vector per context, ordered by
// ascending context id.
type GetActionsParam struct {
	Inputs    [][]float64 `json:"inputs"`
	SessionID int         `json:"session_id"`
}

// GetActionParam is the per-context form. Inputs holds a single row.
type GetActionParam struct {
	Inputs    [][]float64 `json:"inputs"`
	Context   int         `json:"context"`
	SessionID int         `json:"session_id"`
}

// GetActionsResult holds one action vector and one value estimate per
// input row. Older trainers name the estimates "value".
type GetActionsResult struct {
	Actions [][]int   `json:"actions"`
	Values  []float64 `json:"values,omitempty"`
	Value   []float64 `json:"value,omitempty"`
}

// Estimates returns the value estimates under whichever key was sent.
func (r GetActionsResult) Estimates() []float64 {
	if len(r.Values) > 0 {
		return r.Values
	}
	return r.Value
}

type GetActionResult struct {
	Actions []int   `json:"actions"`
	Value   float64 `json:"value"`
}

type GiveRewardsParam struct {
	Rewards   []float64 `json:"rewards"`
	Dones     []bool    `json:"dones"`
	SessionID int       `json:"session_id"`
}

type GiveRewardParam struct {
	Reward    float64 `json:"reward"`
	Done      bool    `json:"done"`
	Context   int     `json:"context"`
	SessionID int     `json:"session_id"`
}

type EndSessionParam struct {
	SessionID int `json:"session_id"`
}

type SaveModelParam struct {
	Path      string `json:"path"`
	SessionID int    `json:"session_id"`
}
