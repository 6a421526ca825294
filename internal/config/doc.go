// Package config loads Athena's YAML configuration through viper.
//
// The file lives at ~/.athena/config.yaml by default and is created with
// defaults on first load. Any key can be overridden from the environment:
//
//	ATHENA_SERVER_PORT=8081
//	ATHENA_LLM_DIRECT_API_KEY=...
//	ATHENA_LLM_AGENT_NETWORK_TRANSPORT=a2a
//	ATHENA_M365_REQUIRE_CONFIRMATION=true
package config
