/*
Package stagehttp is an embeddable HTTP/1.x engine built from pluggable
stages.

Each request runs through a pipeline assembled per request from the
Location that matches its path: a handler, the filters the location lists
and a network connector. Every stage owns a queue in the transmit and
receive direction. Data moves between queues as packets, and flow control
is applied at queue boundaries.

Features

  - Incremental request parsing with configurable limits
  - Keep-alive and pipelined requests
  - Chunked transfer coding in both directions, with trailers
  - Byte ranges, including multipart/byteranges
  - Conditional requests (ETag and Last-Modified)
  - Basic and Digest authentication, multipart uploads, static files
  - Handlers that run on a worker pool and resume the connection
  - An HTTP/1.1 client over the same pipeline
  - epoll (Linux) and kqueue (BSD/macOS) event loops

Quick Start

	package main

	import (
		"github.com/searchktools/stagehttp/app"
		"github.com/searchktools/stagehttp/config"
		"github.com/searchktools/stagehttp/core/http"
	)

	func main() {
		application := app.New(config.New())

		engine := application.Engine()
		engine.GET("/hello", func(c *http.Conn) {
			c.WriteString("Hello, World!")
		})

		application.Run()
	}

Modules

  - app: Application lifecycle and logging
  - config: Flags, environment and JSON configuration
  - core: Event-loop engine
  - core/http: Connections, pipelines, queues and the built-in stages
  - core/stages: Auth, upload, file and status stages
  - core/router: Longest-prefix location matching
  - core/pools: Worker pool for threaded handlers
  - core/poller: I/O multiplexing
  - core/observability: Per-handler request statistics
*/
package stagehttp
