// Package providers contains the adapters that put hosted AI capabilities behind
// engine.ProviderAdapter.
//
// Each step type is served by exactly one adapter held in a Registry. The registry is
// resolved into an engine.AdapterTable once, when the engine is constructed:
//
//	reg := providers.NewRegistry()
//	reg.Register(engine.StepTypeLLM, llmAdapter)
//	eng, err := engine.NewEngine(engine.Options{Adapters: reg.Table(), ...})
//
// Adapter kinds:
//
//   - openai: chat completions through langchaingo, for llm steps.
//   - openaicompat: JSON over HTTP against an OpenAI-style media gateway, for stt, tts,
//     image, video and sfx steps.
//   - scripted: deterministic local output, for development and tests.
//
// Failures are returned as *engine.EngineError values classified as transient (5xx,
// network), throttled (429) or permanent (other 4xx). Deadline failures carry
// engine.ErrCodeTimeout.
package providers
