package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// State holds captured component states keyed by component name.
type State map[string]map[string]interface{}

// encode serialises state deterministically so equal states always hash equally.
func encode(state State) ([]byte, error) {
	fields := make(map[string]interface{}, len(state))
	for component, value := range state {
		fields[component] = map[string]interface{}(value)
	}
	pb, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("convert state: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (State, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	out := make(State, len(pb.Fields))
	for component, value := range pb.Fields {
		nested := value.GetStructValue()
		if nested == nil {
			return nil, fmt.Errorf("component %q is not an object", component)
		}
		out[component] = nested.AsMap()
	}
	return out, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// componentHash hashes a single component so restore can skip components already in place.
func componentHash(component string, value map[string]interface{}) (string, error) {
	data, err := encode(State{component: value})
	if err != nil {
		return "", err
	}
	return contentHash(data), nil
}
