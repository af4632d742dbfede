package codec_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/protocol"
)

func TestSchemas_ValidateEncodedFrames(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	c := codec.JSON{}
	validateReq := func(s *jsonschema.Schema, method string, param any) {
		t.Helper()
		b, err := c.EncodeRequest(protocol.Request{Method: method, Param: param, ID: 1})
		if err != nil {
			t.Fatalf("encode %s: %v", method, err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal %s: %v", method, err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v\n%s", method, err, b)
		}
	}

	validateReq(compile("begin_session.schema.json"), protocol.MethodBeginSession, protocol.BeginSessionParam{
		Model: protocol.Model{
			Inputs:            []int{7},
			Outputs:           []int{1, 1, 1, 1, 1},
			FeatureExtractors: []string{"mlp"},
			NormalizeRewards:  true,
		},
		HyperParams: &protocol.HyperParams{
			LearningRate:   0.0007,
			BatchSize:      1024,
			NumMinibatch:   8,
			Epochs:         4,
			DiscountFactor: 0.99,
			UseGAE:         true,
			GAE:            0.95,
			CriticCoef:     0.5,
			EntropyCoef:    0.001,
			MaxGradNorm:    0.5,
			ClipFactor:     0.1,
		},
		SessionID: 0,
		Training:  true,
		Contexts:  14,
		AutoTrain: true,
	})
	validateReq(compile("begin_session.schema.json"), protocol.MethodBeginSession, protocol.BeginSessionParam{
		Model:     protocol.Model{Inputs: []int{7}, Outputs: []int{5}},
		Contexts:  1,
		ModelPath: "models/bots.pth",
	})
	validateReq(compile("get_actions.schema.json"), protocol.MethodGetActions, protocol.GetActionsParam{
		Inputs: [][]float64{{0, 1, 0, 0, 0, 0, 0}, {1, 0, 0.5, -0.5, 0, 1, 1}},
	})
	validateReq(compile("get_action.schema.json"), protocol.MethodGetAction, protocol.GetActionParam{
		Inputs:  [][]float64{{0, 1, 0, 0, 0, 0, 0}},
		Context: 3,
	})
	validateReq(compile("give_rewards.schema.json"), protocol.MethodGiveRewards, protocol.GiveRewardsParam{
		Rewards: []float64{1.0, -0.5},
		Dones:   []bool{true, false},
	})
	validateReq(compile("give_reward.schema.json"), protocol.MethodGiveReward, protocol.GiveRewardParam{
		Reward:  -0.1,
		Context: 2,
	})
	validateReq(compile("end_session.schema.json"), protocol.MethodEndSession, protocol.EndSessionParam{SessionID: 4})
	validateReq(compile("save_model.schema.json"), protocol.MethodSaveModel, protocol.SaveModelParam{Path: "models/arena.pt"})

	respSchema := compile("response.schema.json")
	for _, resp := range []protocol.Response{
		{ID: 1, Result: protocol.GetActionsResult{Actions: [][]int{{1, 0, 0, 0}}, Values: []float64{0.5}}},
		{ID: 2, Result: "OK"},
		{ID: 3, Error: &protocol.Error{Code: protocol.ErrInvalidParams, Message: "bad inputs"}},
	} {
		b, err := c.EncodeResponse(resp)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if err := respSchema.Validate(v); err != nil {
			t.Fatalf("validate response: %v\n%s", err, b)
		}
	}
}
