// Package config loads the castwork process configuration.
//
// Configuration is layered: built-in defaults, then a YAML file, then CASTWORK_*
// environment variables, then *_file secret indirection, and finally validation with
// go-playground/validator plus cross-field checks. The defaults run a single-node
// setup on SQLite with an in-process worker pool and scripted providers, so
//
//	castwork serve
//
// works without any file. A production file typically looks like:
//
//	store:
//	  driver: postgres
//	  dsn_file: /run/secrets/castwork-dsn
//	scheduler:
//	  mode: redis
//	  redis:
//	    addr: redis:6379
//	providers:
//	  llm:
//	    kind: openai
//	    model: gpt-4o-mini
//	    api_key_file: /run/secrets/openai
//	    cents_per_unit:
//	      tokens: 0.00015
//	  tts:
//	    kind: openaicompat
//	    base_url: https://tts.internal/v1
//	    rate: 5
//	    burst: 10
//	publish:
//	  kind: minio
//	  minio:
//	    endpoint: minio:9000
//	    bucket: castwork
//
// A providers section in the file replaces the default provider table; step types
// left out of it have no adapter, and recipes using them fail validation.
package config
