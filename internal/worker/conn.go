package worker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
)

// serveConn handles one connection to completion: requests are read and
// answered serially, so responses on a keep-alive connection always come
// back in request order.
func (p *pool) serveConn(thread int, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr().String()
	br := bufio.NewReader(conn)
	for {
		p.parkIdle(conn)
		req, err := http.ReadRequest(br)
		p.unparkIdle(conn)
		if err != nil {
			if !isClientGone(err) {
				// Malformed request line or headers.
				_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
			}
			return
		}
		req.RemoteAddr = remote

		p.slots.Begin(thread)
		keepAlive := p.handleRequest(thread, conn, req)
		p.slots.End(thread)

		if !keepAlive {
			return
		}
	}
}

func (p *pool) handleRequest(thread int, conn net.Conn, req *http.Request) bool {
	rw := newBufferedResponse()
	p.invoke(rw, req, thread)

	// Discard whatever the handler left of the request body so the next
	// request on this connection starts at a message boundary.
	_, _ = io.Copy(io.Discard, req.Body)
	_ = req.Body.Close()

	keepAlive := p.shouldKeepAlive(req, rw)
	resp := rw.response(req, !keepAlive)
	if err := resp.Write(conn); err != nil {
		slog.Debug("response write failed", "worker", p.workerID, "thread", thread, "err", err)
		return false
	}
	return keepAlive
}

// invoke runs the hosted application. A panicking handler costs that request
// a generic 500, never the thread or the worker.
func (p *pool) invoke(rw *bufferedResponse, req *http.Request, thread int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				"worker", p.workerID, "thread", thread,
				"method", req.Method, "path", req.URL.Path, "panic", r)
			rw.reset()
			rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
			rw.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(rw, "internal server error\n")
		}
	}()
	p.handler.ServeHTTP(rw, req)
}

func (p *pool) shouldKeepAlive(req *http.Request, rw *bufferedResponse) bool {
	if p.isDraining() {
		return false
	}
	if req.Close {
		return false
	}
	if strings.Contains(strings.ToLower(rw.header.Get("Connection")), "close") {
		return false
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 &&
		!strings.Contains(strings.ToLower(req.Header.Get("Connection")), "keep-alive") {
		return false
	}
	return true
}

func isClientGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// bufferedResponse is the http.ResponseWriter handed to the hosted
// application. The body is buffered so Content-Length is exact and a panic
// mid-write can still be replaced by a clean error response.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (rw *bufferedResponse) Header() http.Header { return rw.header }

func (rw *bufferedResponse) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
}

func (rw *bufferedResponse) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.body.Write(b)
}

func (rw *bufferedResponse) reset() {
	rw.header = make(http.Header)
	rw.status = 0
	rw.wroteHeader = false
	rw.body.Reset()
}

func (rw *bufferedResponse) response(req *http.Request, close bool) *http.Response {
	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}

	// Response.Write emits Connection: close from the Close flag; a handler
	// copy of the header would come out twice.
	header := rw.header
	header.Del("Connection")

	body := rw.body.Bytes()
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Close:         close,
		Request:       req,
	}
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp
}
