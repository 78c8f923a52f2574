// Package secret resolves credentials referenced from the agent's
// configuration, such as the control API key and JWT signing secret.
//
// A value may reference the environment with ${VAR}, which must be set, or
// a provider with "secretref:<provider>:<ref>":
//
//	control:
//	  api_key: secretref:env:OFFLINEAGENT_CONTROL_KEY
//	  jwt_secret: secretref:file:/run/secrets/agent-jwt
//
// The env and file providers are built in.
package secret
