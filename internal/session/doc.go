// Package session tracks user sessions across requests.
package session
