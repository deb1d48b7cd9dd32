package commtypes

// Model is the globally shared training state handed to CheckPoint and
// LoadCheckPoint. Every rank must hold an identical model when
// checkpointing; serialization of the state itself is up to the caller.
type Model interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}
