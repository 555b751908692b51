// Package auth guards the gateway's HTTP surface.
//
// Three credentials are in play:
//
//   - API key: the session and client routes check the x-api-key header
//     when an api_key is configured.
//   - Admin JWT: the webhook management routes require an HS256 bearer
//     token signed with auth.jwt_secret. Tokens are minted with the
//     relay-gateway token subcommand.
//   - Webhook secret: inbound webhook calls carry the webhook's secret token
//     as a bearer token. Those are checked by the webhook registry, which
//     uses BearerToken from this package.
package auth
