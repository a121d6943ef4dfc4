// Package rest provides the admin HTTP API of the directory manager.
//
// Routes are served by gorilla/mux. Every route under /api/v1 except
// health and login needs a bearer token; tokens are HS256 JWTs bound to a
// session, so logging out or an idle sweep revokes them.
//
// # Endpoints
//
// Authentication:
//
//	POST /api/v1/auth/login  - Open a session and get a token
//	POST /api/v1/auth/logout - End the session of the token
//
// Directory:
//
//	GET /api/v1/types            - Object types and their fields
//	GET /api/v1/objects/{handle} - Read one object ("type:id")
//	GET /api/v1/query            - Query (q, type, limit parameters)
//	POST /api/v1/query           - Query with the text in the body
//
// Operations (admin only unless noted):
//
//	GET  /api/v1/tasks               - Scheduled tasks (any user)
//	GET  /api/v1/tasks/{name}        - One task (any user)
//	POST /api/v1/tasks/{name}/demand - Run a task now
//	POST /api/v1/dump                - Write a dump (archive=true)
//	GET  /api/v1/verify              - Integrity report
//	GET  /api/v1/sessions            - Live sessions
//	GET  /api/v1/acl                 - ACL status
//	GET  /api/v1/config              - Redacted configuration
//	GET  /metrics                    - Prometheus metrics (no auth)
//
// # Example Usage
//
//	curl -X POST http://127.0.0.1:8089/api/v1/auth/login \
//	  -d '{"username": "root", "password": "secret"}'
//
//	curl "http://127.0.0.1:8089/api/v1/query" \
//	  --data 'select username from user where uid >= 1000' \
//	  -H "Authorization: Bearer <token>"
package rest
