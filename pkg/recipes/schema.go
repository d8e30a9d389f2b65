package recipes

// presetSchema constrains every preset after decoding, whichever format it came from.
// Preset files written in CUE may refer to #Recipe and #Step directly.
const presetSchema = `
#StepType: "stt" | "llm" | "tts" | "image" | "video" | "sfx" | "publish"

#Step: {
	name: string & !=""
	type: #StepType
	config?: {[string]: _}
}

#Recipe: {
	slug:        =~"^[a-z0-9][a-z0-9-]*$"
	name:        string & !=""
	input_kind:  "text" | "audio"
	status:      *"active" | "inactive"
	allowed_input_modes?: [...("upload" | "url" | "text")]
	default_language?: string
	steps: [#Step, ...#Step]
}
`
