package policy

// BuiltinPolicies returns the admission policies shipped with the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		inputSizePolicy(),
		audioURLPolicy(),
		publishLastPolicy(),
	}
}

// inputSizePolicy bounds the text a single execution may be started with.
func inputSizePolicy() Policy {
	return Policy{
		Name:        "input-size",
		Description: "Rejects text input longer than 200000 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package castwork.admission.input_size

import rego.v1

max_text_chars := 200000

deny contains violation if {
	text := input.input.text
	is_string(text)
	count(text) > max_text_chars
	violation := {
		"message": sprintf("input text has %d characters, the limit is %d", [count(text), max_text_chars]),
		"severity": "error",
	}
}
`,
	}
}

// audioURLPolicy only lets audio recipes fetch over HTTP(S).
func audioURLPolicy() Policy {
	return Policy{
		Name:        "audio-url-scheme",
		Description: "Requires audio_url to be an http or https URL",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package castwork.admission.audio_url

import rego.v1

deny contains violation if {
	input.recipe.input_kind == "audio"
	url := input.input.audio_url
	is_string(url)
	not startswith(url, "https://")
	not startswith(url, "http://")
	violation := {
		"message": sprintf("audio_url %q must be an http or https URL", [url]),
		"severity": "error",
	}
}
`,
	}
}

// publishLastPolicy warns about recipes that publish before their final step.
func publishLastPolicy() Policy {
	return Policy{
		Name:        "publish-last",
		Description: "Warns when a publish step is not the last step of the recipe",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package castwork.admission.publish_last

import rego.v1

deny contains violation if {
	some i, step in input.recipe.steps
	step.type == "publish"
	i != count(input.recipe.steps) - 1
	violation := {
		"message": sprintf("publish step %d (%s) is not the last step", [i, step.name]),
		"severity": "warning",
	}
}
`,
	}
}
