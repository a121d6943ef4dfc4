// Package acl decides whether a principal may perform an operation on an
// object or on one field of it.
//
// # Access Rights
//
// Rights are bit flags that can be combined:
//
//	acl.View    // Read fields
//	acl.Edit    // Change fields
//	acl.Create  // Create objects
//	acl.Delete  // Delete objects
//	acl.All     // All rights combined
//
// # Rules
//
//	// Admins may do anything
//	rule := acl.NewRule("admin", acl.All)
//
//	// Users may change their own shell
//	rule := acl.NewRule("self", acl.Edit, "user").WithFields("shell")
//
//	// Nobody but admins may view password hashes
//	rule := acl.NewRule("*", acl.View, "user").
//	    WithFields("password").
//	    WithDeny(true)
//
// # Subjects
//
//   - "*": everyone
//   - "anonymous": no principal
//   - "authenticated": any named principal
//   - "admin": principals flagged as administrators
//   - "self": the object the principal logs in as
//   - "group:<name>": members of a group
//   - anything else: a principal name
//
// # Evaluation Order
//
// Rules are evaluated in order and the first match wins. When no rule
// matches, the principal's own permission matrix is consulted, and after
// that the default policy applies.
package acl
