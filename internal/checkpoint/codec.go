package checkpoint

import (
	"encoding/json"
	"errors"

	"nestor/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("checkpoint version mismatch")

func Encode(ckpt model.Checkpoint) ([]byte, error) {
	ckpt.SchemaVersion = CurrentSchemaVersion
	ckpt.CodecVersion = CurrentCodecVersion
	return json.Marshal(ckpt)
}

func Decode(data []byte) (model.Checkpoint, error) {
	var ckpt model.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return model.Checkpoint{}, err
	}
	if ckpt.SchemaVersion != CurrentSchemaVersion || ckpt.CodecVersion != CurrentCodecVersion {
		return model.Checkpoint{}, ErrVersionMismatch
	}
	return ckpt, nil
}
