package storage

// Format identifies the on-disk artifact format of a model.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatSafetensors Format = "safetensors"
)

// Runtime identifies the inference runtime a model is expected to run
// under. It may be left empty, in which case the Engine Registry infers a
// runtime from format/architecture/capability alone.
type Runtime string

const (
	RuntimeLlamaCpp        Runtime = "llama_cpp"
	RuntimeGPTOSSCpp       Runtime = "gptoss_cpp"
	RuntimeNemotronCpp     Runtime = "nemotron_cpp"
	RuntimeWhisperCpp      Runtime = "whisper_cpp"
	RuntimeONNXRuntime     Runtime = "onnx_runtime"
	RuntimeStableDiffusion Runtime = "stable_diffusion"
)

// Capability identifies the kind of inference a request demands.
type Capability string

const (
	CapabilityText                Capability = "text"
	CapabilityEmbeddings          Capability = "embeddings"
	CapabilityImage               Capability = "image"
	CapabilityAudioASR            Capability = "audio_asr"
	CapabilityAudioTTS            Capability = "audio_tts"
	CapabilityImageUnderstanding  Capability = "image_understanding"
)

// ValidCapabilities enumerates every capability the admission layer accepts.
var ValidCapabilities = map[Capability]bool{
	CapabilityText:               true,
	CapabilityEmbeddings:         true,
	CapabilityImage:              true,
	CapabilityAudioASR:           true,
	CapabilityAudioTTS:           true,
	CapabilityImageUnderstanding: true,
}

// Metadata is the optional structured blob attached to a descriptor: shard
// list, chat template, quantization details. Only the fields the façade and
// admission layer actually consult are modeled; everything else round-trips
// through Extra.
type Metadata struct {
	Shards       []string          `json:"shards,omitempty"`
	ChatTemplate string            `json:"chat_template,omitempty"`
	Quantization string            `json:"quantization,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// ModelDescriptor is the canonical handle for a model on disk: where it
// lives, what format it's in, and (when known) what it is.
type ModelDescriptor struct {
	Name         string
	ModelDir     string
	PrimaryPath  string
	Format       Format
	Runtime      Runtime
	Architecture string
	Metadata     *Metadata

	// RequiredFiles lists the files that make this descriptor "fully
	// present". ResolveDescriptor fills it only for safetensors models, with
	// every file matching the primary artifact's glob (PrimaryPath
	// included); tokenizer and config files are not listed. Consulted by
	// IsComplete.
	RequiredFiles []string
}

// IsComplete reports whether every file RequiredFiles names exists, i.e.
// whether the descriptor's artifact is fully present rather than partially
// synced. A descriptor with no RequiredFiles is trivially complete.
func (d *ModelDescriptor) IsComplete(exists func(path string) bool) bool {
	for _, f := range d.RequiredFiles {
		if !exists(f) {
			return false
		}
	}
	return true
}
