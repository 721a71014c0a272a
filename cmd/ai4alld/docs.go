package main

// General API documentation for swaggo. Regenerate docs/ with `swag init -g cmd/ai4alld/docs.go`.
//
// @title           ai4all API
// @version         1.0
// @description     HTTP API of the local multi-engine inference daemon: voice and text turns, sessions and engine status.
//
// @contact.name   ai4all maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
