package serializer

import "github.com/vmihailenco/msgpack/v5"

// wireCall is the on-the-wire shape written by MsgpackSerializer. A named
// struct (rather than encoding Call directly) keeps the wire format stable
// even if Call ever grows unexported bookkeeping fields.
type wireCall struct {
	Args   []interface{}          `msgpack:"args"`
	Kwargs map[string]interface{} `msgpack:"kwargs"`
}

// MsgpackSerializer is the default self-describing binary codec (spec §4.2).
// Msgpack is compact, preserves argument types without a schema, and is the
// format the rest of the reference corpus reaches for when it needs a
// binary wire format (rather than rolling a bespoke one).
type MsgpackSerializer struct{}

func NewMsgpackSerializer() *MsgpackSerializer { return &MsgpackSerializer{} }

func (MsgpackSerializer) Name() string { return "msgpack" }

func (MsgpackSerializer) Encode(args []interface{}, kwargs map[string]interface{}) ([]byte, error) {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	b, err := msgpack.Marshal(wireCall{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, &SerializationError{Op: "encode", Err: err}
	}
	return b, nil
}

func (MsgpackSerializer) Decode(payload []byte) (Call, error) {
	var w wireCall
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return Call{}, &SerializationError{Op: "decode", Err: err}
	}
	return Call{Args: w.Args, Kwargs: w.Kwargs}, nil
}
