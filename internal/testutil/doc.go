// Package testutil contains helper builders and a scripted agent runtime
// used across tests to reduce boilerplate when constructing messages, agent
// configurations and turn requests. They are not intended for production
// usage.
package testutil
