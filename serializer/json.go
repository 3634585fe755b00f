package serializer

import "encoding/json"

// JSONSerializer is the alternate encoding permitted by spec §4.2. Useful
// when payloads must be human-readable (debugging, cross-language brokers
// that inspect message bodies).
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (JSONSerializer) Name() string { return "json" }

type jsonCall struct {
	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

func (JSONSerializer) Encode(args []interface{}, kwargs map[string]interface{}) ([]byte, error) {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	b, err := json.Marshal(jsonCall{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return b, nil
}

func (JSONSerializer) Decode(payload []byte) (Call, error) {
	var c jsonCall
	if err := json.Unmarshal(payload, &c); err != nil {
		return Call{}, &SerializationError{Op: "decode", Err: err}
	}
	return Call{Args: c.Args, Kwargs: c.Kwargs}, nil
}
