// Package engine connects authenticated clients to the embedded postgres
// engine: it completes the startup exchange on behalf of the client,
// injects the auth context as a session variable and splices the two
// streams until either side closes.
package engine

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tessera-db/tessera/pkg/auth"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/pgwire"
)

// AuthContextGUC is the session variable carrying the serialised auth
// context. The engine exposes it through the auth_context() session
// function.
const AuthContextGUC = "tessera.auth_context"

// Handler serves authenticated postgres clients by splicing them onto
// fresh engine backends.
type Handler struct {
	cfg    config.EngineConfig
	auth   *auth.Authenticator
	logger *log.Logger
}

// NewHandler creates the postgres handler.
func NewHandler(cfg config.EngineConfig, authenticator *auth.Authenticator, logger *log.Logger) *Handler {
	return &Handler{cfg: cfg, auth: authenticator, logger: logger}
}

// Handle authenticates the client and bridges it to the engine. Implements
// proxy.ConnectionHandler.
func (h *Handler) Handle(clientConn net.Conn) error {
	defer clientConn.Close()

	authCtx, startup, err := h.auth.AuthenticatePostgres(clientConn)
	if err != nil {
		return err
	}

	engineConn, err := h.dialEngine()
	if err != nil {
		h.writeError(clientConn, "engine unavailable")
		return err
	}
	defer engineConn.Close()

	if err := h.engineStartup(engineConn, clientConn, startup, authCtx); err != nil {
		h.writeError(clientConn, err.Error())
		return err
	}

	h.logger.Protocol().Debug("client spliced to engine backend",
		"username", authCtx.Username)

	return splice(clientConn, engineConn)
}

// dialEngine opens a fresh backend connection on the engine's socket.
func (h *Handler) dialEngine() (net.Conn, error) {
	network := "tcp"
	if strings.Contains(h.cfg.Addr, "/") {
		network = "unix"
	}

	conn, err := net.Dial(network, h.cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to connect to embedded engine").
			WithField("addr", h.cfg.Addr).
			Err()
	}
	return conn, nil
}

// engineStartup performs the server-side startup on the inner socket using
// the original startup parameters with the engine's known credentials,
// injects the auth context GUC, then releases the buffered session
// preamble to the client.
func (h *Handler) engineStartup(engineConn, clientConn net.Conn, startup pgwire.StartupMessage, authCtx auth.AuthContext) error {
	params := make(map[string]string, len(startup.Params))
	for k, v := range startup.Params {
		params[k] = v
	}
	if h.cfg.AdminUser != "" {
		params["user"] = h.cfg.AdminUser
	}

	inner := pgwire.NewStartupMessage(params)
	if _, err := engineConn.Write(inner.Encode()); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to send engine startup").Err()
	}

	// Drive the engine's authentication and buffer the session preamble
	// up to ReadyForQuery.
	var preamble []pgwire.Message

	for {
		msg, err := pgwire.ReadMessage(engineConn)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConnectionFailed,
				"failed to read engine startup response").Err()
		}

		switch msg.Tag {
		case 'R': // Authentication request
			if len(msg.Body) < 4 {
				return errors.New(errors.ErrCodeProtocolError,
					"malformed authentication request from engine").Err()
			}
			code := msg.Body[3]
			switch code {
			case 0: // AuthenticationOk
			case 3: // cleartext
				if err := h.sendEnginePassword(engineConn, h.cfg.AdminPassword); err != nil {
					return err
				}
			case 5: // md5
				if len(msg.Body) < 8 {
					return errors.New(errors.ErrCodeProtocolError,
						"malformed md5 authentication request from engine").Err()
				}
				var salt [4]byte
				copy(salt[:], msg.Body[4:8])
				hashed := md5Response(params["user"], h.cfg.AdminPassword, salt)
				if err := h.sendEnginePassword(engineConn, hashed); err != nil {
					return err
				}
			default:
				return errors.Newf(errors.ErrCodeAuthUnsupported,
					"engine requested unsupported authentication method %d", code).Err()
			}

		case 'S', 'K': // ParameterStatus, BackendKeyData
			preamble = append(preamble, msg)

		case 'Z': // ReadyForQuery
			if err := h.injectAuthContext(engineConn, authCtx); err != nil {
				return err
			}
			return h.releasePreamble(clientConn, preamble, msg)

		case 'E':
			return errors.Newf(errors.ErrCodeConnectionFailed,
				"engine rejected startup: %s", errorText(msg.Body)).Err()

		default:
			preamble = append(preamble, msg)
		}
	}
}

func (h *Handler) sendEnginePassword(engineConn net.Conn, password string) error {
	msg := pgwire.Message{
		Tag:  pgwire.TagPasswordMessage,
		Body: append([]byte(password), 0),
	}
	if err := msg.WriteTo(engineConn); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to send engine password").Err()
	}
	return nil
}

// injectAuthContext sets the session GUC so per-backend FDW code can
// retrieve the client identity.
func (h *Handler) injectAuthContext(engineConn net.Conn, authCtx auth.AuthContext) error {
	doc, err := authCtx.JSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal,
			"failed to serialise auth context").Err()
	}

	// Single-quote escaping for the SET literal.
	literal := strings.ReplaceAll(string(doc), "'", "''")
	sql := fmt.Sprintf("SET %s = '%s'", AuthContextGUC, literal)

	query := pgwire.Message{Tag: pgwire.TagQuery, Body: append([]byte(sql), 0)}
	if err := query.WriteTo(engineConn); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to set auth context").Err()
	}

	// Consume the engine's response up to ReadyForQuery.
	for {
		msg, err := pgwire.ReadMessage(engineConn)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConnectionFailed,
				"failed to read auth context response").Err()
		}
		switch msg.Tag {
		case 'Z':
			return nil
		case 'E':
			return errors.Newf(errors.ErrCodeConnectionFailed,
				"engine rejected auth context: %s", errorText(msg.Body)).Err()
		}
	}
}

// releasePreamble sends the authenticated session preamble to the client:
// AuthenticationOk, the engine's parameter statuses and key data, then
// ReadyForQuery.
func (h *Handler) releasePreamble(clientConn net.Conn, preamble []pgwire.Message, ready pgwire.Message) error {
	authOK, err := (&pgproto3.AuthenticationOk{}).Encode(nil)
	if err != nil {
		return err
	}
	if _, err := clientConn.Write(authOK); err != nil {
		return err
	}

	for _, msg := range preamble {
		if err := msg.WriteTo(clientConn); err != nil {
			return err
		}
	}
	return ready.WriteTo(clientConn)
}

func (h *Handler) writeError(clientConn net.Conn, message string) {
	buf, err := (&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "08000", // connection_exception
		Message:  message,
	}).Encode(nil)
	if err == nil {
		clientConn.Write(buf)
	}
}

// splice copies bytes in both directions until either side closes. EOF on
// one side closes both connections so the engine backend exits and FDW slot
// cleanup runs.
func splice(client, engine net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	closeBoth := func() {
		client.Close()
		engine.Close()
	}

	var once sync.Once

	go func() {
		defer wg.Done()
		io.Copy(engine, client)
		once.Do(closeBoth)
	}()

	go func() {
		defer wg.Done()
		io.Copy(client, engine)
		once.Do(closeBoth)
	}()

	wg.Wait()
	return nil
}

// errorText extracts the message field from an ErrorResponse body.
func errorText(body []byte) string {
	// Fields are (type byte, cstring) pairs terminated by a zero byte.
	for i := 0; i < len(body); {
		if body[i] == 0 {
			break
		}
		fieldType := body[i]
		i++
		start := i
		for i < len(body) && body[i] != 0 {
			i++
		}
		if fieldType == 'M' {
			return string(body[start:i])
		}
		i++
	}
	return "unknown error"
}

// md5Response computes the md5 password response for the engine exchange.
func md5Response(username, password string, salt [4]byte) string {
	return auth.Md5PasswordResponse(username, password, salt)
}
