package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/ir"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/syncer"
	"github.com/roach88/fedlog/internal/wire"
)

func (s *Server) health(c *gin.Context) {
	if err := s.engine.Log().Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) register(c *gin.Context) {
	var req wire.RegisterRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.engine.HandleRegister(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) push(c *gin.Context) {
	var req wire.PushRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.engine.HandlePush(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pull(c *gin.Context) {
	since, ok := queryInt(c, "since_seq", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	resp, err := s.engine.HandlePull(c.Request.Context(), wire.PullRequest{SinceSeq: since, Limit: int(limit)})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) identity(c *gin.Context) {
	resp, err := s.engine.Identity(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) status(c *gin.Context) {
	resp, err := s.engine.Status(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) appendLocal(c *gin.Context) {
	var req wire.LocalAppendRequest
	if !s.bind(c, &req) {
		return
	}
	if req.Payload.Kind == "" {
		badRequest(c, "payload.kind is required")
		return
	}
	if req.Payload.Body == nil {
		req.Payload.Body = ir.IRObject{}
	}
	ev, err := s.engine.Log().AppendLocal(c.Request.Context(), req.Payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (s *Server) listPeers(c *gin.Context) {
	all, err := s.engine.Registry().List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.PeerList{Peers: all})
}

func (s *Server) addPeer(c *gin.Context) {
	var req wire.AddPeerRequest
	if !s.bind(c, &req) {
		return
	}
	if req.Endpoint == "" {
		badRequest(c, "endpoint is required")
		return
	}
	res, err := s.engine.RegisterWith(c.Request.Context(), req.Endpoint)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := wire.AddPeerResponse{Accepted: res.Accepted, Reason: string(res.Reason)}
	if res.Accepted {
		resp.Peer = &res.Peer
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) removePeer(c *gin.Context) {
	key, err := ir.ParsePublicKey(c.Param("key"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.engine.RemovePeer(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bind decodes a JSON body into v, answering 400 on failure.
func (s *Server) bind(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string, def int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		badRequest(c, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, wire.ErrorResponse{Error: msg, Code: wire.CodeMalformed})
}

// fail maps an engine error onto a status code.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, wire.CodeInternal
	switch {
	case errors.Is(err, eventlog.ErrHalted), errors.Is(err, eventlog.ErrStorage):
		status, code = http.StatusServiceUnavailable, wire.CodeHalted
	case errors.Is(err, eventlog.ErrMalformed):
		status, code = http.StatusBadRequest, wire.CodeMalformed
	case errors.Is(err, peers.ErrNotFound):
		status, code = http.StatusNotFound, wire.CodeNotFound
	case errors.Is(err, syncer.ErrBadChallenge), syncer.IsTransient(err):
		status, code = http.StatusBadGateway, wire.CodeUpstream
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err)
	}
	c.AbortWithStatusJSON(status, wire.ErrorResponse{Error: err.Error(), Code: code})
}
