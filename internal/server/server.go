// Package server wires BlacklistEngine into the five HTTP request surfaces
// of the lookup service, as fasthttp.RequestHandler funcs dispatched by
// path, using path-prefix dispatch and errors.Is-against-sentinel status
// mapping.
package server

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rpcpool/blacklistd/internal/engine"
	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// alreadyBlacklistedBody is the literal response body returned for a
// duplicate submit.
const alreadyBlacklistedBody = "Bad request: URL is already blacklisted"

// Server binds an Engine to fasthttp request handlers.
type Server struct {
	eng *engine.Engine
}

// New wraps eng for request handling.
func New(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// Handler returns the single fasthttp.RequestHandler to register with
// fasthttp.Server.Handler; it dispatches on method and path.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	client := clientID(ctx)

	switch {
	case ctx.IsGet() && path == "/fetch-hashes":
		s.handleFetchHashes(ctx, client)
	case ctx.IsPost() && path == "/submit-malicious-url":
		s.handleSubmitMaliciousURL(ctx, client)
	case ctx.IsGet() && path == "/fetch-prefixes/memtable":
		s.handleFetchPrefixes(ctx, client, s.eng.MemtablePrefixSnapshot)
	case ctx.IsGet() && path == "/fetch-prefixes/index":
		s.handleFetchPrefixes(ctx, client, s.eng.IndexPrefixSnapshot)
	case ctx.IsGet() && path == "/fetch-blacklist-metadata":
		s.handleFetchMetadata(ctx, client)
	case ctx.IsGet() && path == "/get-logs":
		s.handleGetLogs(ctx, client)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// clientID resolves the free-form log-attribution identifier, falling back
// to a generated UUID when the request omits client=.
func clientID(ctx *fasthttp.RequestCtx) string {
	if v := ctx.QueryArgs().Peek("client"); len(v) > 0 {
		return string(v)
	}
	return uuid.NewString()
}

func (s *Server) handleFetchHashes(ctx *fasthttp.RequestCtx, client string) {
	prefixHex := string(ctx.QueryArgs().Peek("prefix"))
	prefix, err := hashkey.PrefixFromHex(prefixHex)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		s.eng.ActivityLog().Error("%s fetch-hashes prefix=%q: %v", client, prefixHex, err)
		return
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = append(buf.B, s.eng.FullHashesForPrefix(prefix)...)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/octet-stream")
	ctx.SetBody(buf.B)
	s.eng.ActivityLog().Get("%s fetch-hashes prefix=%s", client, prefixHex)
}

func (s *Server) handleSubmitMaliciousURL(ctx *fasthttp.RequestCtx, client string) {
	urlHex := string(ctx.QueryArgs().Peek("url"))
	key, err := hashkey.FromHex(urlHex)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		s.eng.ActivityLog().Error("%s submit-malicious-url url=%q: %v", client, urlHex, err)
		return
	}

	if err := s.eng.Ingest(key); err != nil {
		if errors.Is(err, engine.ErrAlreadyPresent) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(alreadyBlacklistedBody)
			s.eng.ActivityLog().Post("%s submit-malicious-url url=%s: already blacklisted", client, urlHex)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		s.eng.ActivityLog().Error("%s submit-malicious-url url=%s: %v", client, urlHex, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	s.eng.ActivityLog().Post("%s submit-malicious-url url=%s: ingested", client, urlHex)
}

func (s *Server) handleFetchPrefixes(ctx *fasthttp.RequestCtx, client string, fetch func(int) ([]byte, error)) {
	partitionStr := string(ctx.QueryArgs().Peek("partition"))
	partition, err := strconv.Atoi(partitionStr)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		s.eng.ActivityLog().Error("%s fetch-prefixes partition=%q: %v", client, partitionStr, err)
		return
	}

	snapshot, err := fetch(partition)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidPartition) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		} else {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
		s.eng.ActivityLog().Error("%s fetch-prefixes partition=%d: %v", client, partition, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/octet-stream")
	ctx.SetBody(snapshot)
	s.eng.ActivityLog().Get("%s fetch-prefixes partition=%d", client, partition)
}

func (s *Server) handleFetchMetadata(ctx *fasthttp.RequestCtx, client string) {
	md := s.eng.Metadata()
	body, err := json.Marshal([]int{md.TotalCount, md.Partitions})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	s.eng.ActivityLog().Get("%s fetch-blacklist-metadata", client)
}

func (s *Server) handleGetLogs(ctx *fasthttp.RequestCtx, client string) {
	lines, err := s.eng.ActivityLog().Lines()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(lines)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	s.eng.ActivityLog().Get("%s get-logs", client)
}
