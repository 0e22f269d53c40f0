// Package session mirrors live relay connections into Redis so operators and
// external services can see which user is connected to which server instance.
// The in-memory registry stays authoritative; the mirror is best effort.
package session
