// Package auth protects the operator API with JWT bearer tokens.
//
// Tokens are HS256 signed with the configured jwt_secret, which must be at
// least MinSecretLength bytes. Each token carries the operator name in its
// "sub" claim, a fixed issuer, and a required expiry.
//
// # HTTP Usage
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("/api/turns", auth.HTTPAuthMiddleware(verifier)(handler))
//
// Handlers read the caller with SubjectFromContext. Tokens are minted with
// the "coven-messenger token" command.
package auth
