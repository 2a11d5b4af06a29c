package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/inkclash/inkclash/pkg/cluster"
	"github.com/inkclash/inkclash/pkg/game"
	"github.com/inkclash/inkclash/pkg/protocol"
	"github.com/inkclash/inkclash/pkg/state"
	"github.com/inkclash/inkclash/pkg/tournament"
	"github.com/inkclash/inkclash/pkg/utils"

	"github.com/fxamacker/cbor/v2"
	"github.com/mileusna/useragent"
	"github.com/repeale/fp-go"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"nhooyr.io/websocket"
)

const CLIENT_MESSAGE_LIMIT = 32

// Client is one websocket connection. The wallet is learned from the
// first message that carries one; until then the client can only
// queue or join.
type Client struct {
	wallet    string
	host      string
	send      chan []byte
	closeSlow func()
}

func NewClient(host string) *Client {
	return &Client{
		host: host,
		send: make(chan []byte, CLIENT_MESSAGE_LIMIT),
	}
}

func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		go c.closeSlow()
	}
}

// WSIngress accepts websocket connections and translates their cbor
// messages into matchmaking, game, and tournament calls.
type WSIngress struct {
	cluster    *cluster.Cluster
	tournament *tournament.Service

	mutex      deadlock.Mutex
	clients    map[*Client]struct{}
	httpServer *http.Server
}

func NewWSIngress(matches *cluster.Cluster, tournaments *tournament.Service) *WSIngress {
	return &WSIngress{
		cluster:    matches,
		tournament: tournaments,
		clients:    make(map[*Client]struct{}),
	}
}

func WriteTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

func (server *WSIngress) AddClient(client *Client) {
	server.mutex.Lock()
	server.clients[client] = struct{}{}
	server.mutex.Unlock()
}

func (server *WSIngress) RemoveClient(client *Client) {
	server.mutex.Lock()
	delete(server.clients, client)
	server.mutex.Unlock()
}

func sendMessage(client *Client, message interface{}) {
	bytes, err := cbor.Marshal(message)
	if err != nil {
		log.Error().Err(err).Msg("message marshal failed")
		return
	}
	client.enqueue(bytes)
}

func sendError(client *Client, reason string) {
	sendMessage(client, protocol.ErrorMessage{
		Op:     protocol.ErrorOp,
		Reason: reason,
	})
}

// pipeRoom relays a room's events to one client for as long as both
// live. Once the room's engine exists its snapshots stream through
// the same channel as state update frames.
func (server *WSIngress) pipeRoom(ctx context.Context, client *Client, room *cluster.Room) {
	events := room.Events().Subscribe()
	defer events.Done()

	var frames *utils.Subscriber[*game.Snapshot]
	var frameCh <-chan *game.Snapshot
	defer func() {
		if frames != nil {
			frames.Done()
		}
	}()

	// The engine does not exist until the countdown finishes, so we
	// attach to its updates lazily.
	attach := time.NewTicker(250 * time.Millisecond)
	defer attach.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-room.SessionCtx().Done():
			// The room publishes its final events (game over,
			// settlement) right before tearing the session down, so
			// flush whatever is still buffered before detaching.
			for {
				select {
				case event := <-events.Recv():
					if event.To != "" && event.To != client.wallet {
						continue
					}
					bytes, err := cbor.Marshal(event.Message)
					if err != nil {
						continue
					}
					client.enqueue(bytes)
				default:
					return
				}
			}
		case <-attach.C:
			if frames != nil {
				continue
			}
			if engine := room.Engine(); engine != nil {
				frames = engine.Updates().Subscribe()
				frameCh = frames.Recv()
			}
		case snapshot := <-frameCh:
			frame, err := cbor.Marshal(snapshot)
			if err != nil {
				continue
			}
			sendMessage(client, protocol.StateUpdateMessage{
				Op:    protocol.StateUpdateOp,
				Frame: frame,
			})
		case event := <-events.Recv():
			if event.To != "" && event.To != client.wallet {
				continue
			}
			bytes, err := cbor.Marshal(event.Message)
			if err != nil {
				continue
			}
			client.enqueue(bytes)
		}
	}
}

// syncRoomState replays where the room stands to a client that was
// not subscribed when the events were published, either because the
// room was created while they sat in the queue or because they just
// reconnected.
func (server *WSIngress) syncRoomState(client *Client, room *cluster.Room) {
	slot := room.Slot(client.wallet)
	if slot == nil {
		return
	}

	opponent := ""
	if other := room.Opponent(client.wallet); other != nil {
		opponent = other.Name
	}

	sendMessage(client, protocol.MatchFoundMessage{
		Op:       protocol.MatchFoundOp,
		Room:     room.Code,
		Team:     byte(slot.Team),
		Opponent: opponent,
	})

	if room.Status() == state.StatusPendingPayment {
		sendMessage(client, protocol.PendingPaymentMessage{
			Op:        protocol.PendingPaymentOp,
			Room:      room.Code,
			Deadline:  room.PaymentDeadline(),
			Amount:    server.cluster.StakeAmount(),
			OnChainID: room.OnChainID(),
		})
	}
}

func (server *WSIngress) attachRoom(ctx context.Context, client *Client, room *cluster.Room) {
	server.syncRoomState(client, room)
	go server.pipeRoom(ctx, client, room)
}

// watchForRoom waits for the matchmaker to pair a queued client and
// attaches them to the room it produces. While they wait, a periodic
// status message carries how long they have been in the queue.
func (server *WSIngress) watchForRoom(ctx context.Context, client *Client) {
	started := time.Now()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-progress.C:
			sendMessage(client, protocol.QueueStatusMessage{
				Op:      protocol.QueueStatusOp,
				Queued:  true,
				Waiting: time.Since(started),
			})
		case <-poll.C:
			room := server.cluster.RoomForWallet(client.wallet)
			if room == nil {
				continue
			}
			server.attachRoom(ctx, client, room)
			return
		}
	}
}

func (server *WSIngress) handleMessage(ctx context.Context, client *Client, msg []byte) {
	var generic protocol.GenericMessage
	if err := cbor.Unmarshal(msg, &generic); err != nil {
		return
	}

	switch generic.Op {
	case protocol.QueueJoinOp:
		var message protocol.QueueJoinMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		client.wallet = message.Wallet

		// A reconnect in the grace window reattaches instead of
		// queuing again.
		if room := server.cluster.OnReconnect(message.Wallet); room != nil {
			server.attachRoom(ctx, client, room)
			return
		}

		if err := server.cluster.Enqueue(ctx, message.Wallet, message.Name); err != nil {
			sendError(client, err.Error())
			return
		}
		sendMessage(client, protocol.QueueStatusMessage{
			Op:     protocol.QueueStatusOp,
			Queued: true,
		})
		go server.watchForRoom(ctx, client)

	case protocol.QueueLeaveOp:
		if err := server.cluster.LeaveQueue(ctx, client.wallet); err != nil {
			sendError(client, err.Error())
			return
		}
		sendMessage(client, protocol.QueueStatusMessage{
			Op: protocol.QueueStatusOp,
		})

	case protocol.PaymentTxOp:
		var message protocol.PaymentTxMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		err := server.cluster.ConfirmPayment(ctx, message.Room, client.wallet, message.TxHash)
		if err != nil && !errors.Is(err, cluster.ErrWaitForFirstMover) {
			sendError(client, err.Error())
		}

	case protocol.CancelMatchOp:
		var message protocol.CancelMatchMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		if err := server.cluster.Cancel(ctx, message.Room, client.wallet); err != nil {
			sendError(client, err.Error())
		}

	case protocol.InputOp:
		var message protocol.InputMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		room := server.cluster.RoomForWallet(client.wallet)
		if room == nil {
			return
		}
		engine := room.Engine()
		slot := room.Slot(client.wallet)
		if engine == nil || slot == nil {
			return
		}
		engine.SetInput(slot.Team, message.Angle, message.Firing)

	case protocol.SelectWeaponOp:
		var message protocol.SelectWeaponMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		room := server.cluster.RoomForWallet(client.wallet)
		if room == nil {
			return
		}
		engine := room.Engine()
		slot := room.Slot(client.wallet)
		if engine == nil || slot == nil {
			return
		}
		engine.SelectWeapon(slot.Team, game.WeaponKind(message.Weapon))

	case protocol.TournamentJoinOp:
		if server.tournament == nil {
			sendError(client, "tournaments are not running")
			return
		}
		var message protocol.TournamentJoinMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		location, err := server.tournament.Join(ctx, message.Wallet, message.TxHash)
		if err != nil {
			sendError(client, err.Error())
			return
		}
		trophies := int64(0)
		if profile, err := server.tournament.Profile(ctx, message.Wallet); err == nil {
			trophies = profile.Trophies
		}
		sendMessage(client, protocol.TournamentJoinedMessage{
			Op:       protocol.TournamentJoinedOp,
			Week:     location.Week,
			RoomID:   location.RoomID,
			Trophies: trophies,
		})

	case protocol.LeaderboardOp:
		if server.tournament == nil {
			sendError(client, "tournaments are not running")
			return
		}
		var message protocol.LeaderboardMessage
		if err := cbor.Unmarshal(msg, &message); err != nil {
			return
		}
		week, board, err := server.tournament.Leaderboard(ctx, message.Week, 100)
		if err != nil {
			sendError(client, err.Error())
			return
		}
		entries := fp.Map[state.BoardEntry, protocol.LeaderboardEntry](
			func(entry state.BoardEntry) protocol.LeaderboardEntry {
				return protocol.LeaderboardEntry{
					Wallet: entry.Wallet,
					Score:  entry.Score,
				}
			},
		)(board)
		rank := int64(-1)
		if client.wallet != "" && week > 0 {
			if position, err := server.tournament.Rank(ctx, week, client.wallet); err == nil {
				rank = position
			}
		}
		sendMessage(client, protocol.LeaderboardUpdateMessage{
			Op:       protocol.LeaderboardUpdateOp,
			Week:     week,
			Entries:  entries,
			YourRank: rank,
		})
	}
}

func (server *WSIngress) HandleClient(ctx context.Context, c *websocket.Conn, host string, agent string) error {
	client := NewClient(host)
	client.closeSlow = func() {
		c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	}

	server.AddClient(client)
	defer server.RemoveClient(client)

	parsed := useragent.Parse(agent)
	logger := log.With().
		Str("host", host).
		Str("browser", parsed.Name).
		Str("os", parsed.OS).
		Logger()
	logger.Info().Msg("client connected")

	defer func() {
		if client.wallet == "" {
			return
		}
		// The grace window starts ticking on a background context;
		// the request context is already gone.
		server.cluster.OnDisconnect(context.Background(), client.wallet)
	}()

	receive := make(chan []byte)

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			typ, message, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}

			select {
			case receive <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-receive:
			server.handleMessage(ctx, client, msg)
		case msg := <-client.send:
			if err := WriteTimeout(ctx, 5*time.Second, c, msg); err != nil {
				logger.Error().Msg("client missed write timeout; disconnecting")
				return err
			}
		case <-ctx.Done():
			logger.Info().Msg("client left")
			return ctx.Err()
		}
	}
}

func (server *WSIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("error accepting client connection")
		return
	}

	defer c.Close(websocket.StatusInternalError, "operational fault during session")

	// Deployments put nginx in front of us, so check this first.
	hostname := r.RemoteAddr
	if original, ok := r.Header["X-Forwarded-For"]; ok {
		hostname = original[0]
	}

	err = server.HandleClient(r.Context(), c, hostname, r.UserAgent())
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to close client session")
	}
}

func (server *WSIngress) Serve(ctx context.Context, port int) error {
	listen, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.Error().Err(err).Msg("failed to bind websocket port")
		return err
	}

	log.Info().Msgf("listening on http://%v", listen.Addr())

	httpServer := &http.Server{
		Handler: server,
	}
	server.httpServer = httpServer

	return httpServer.Serve(listen)
}

func (server *WSIngress) Shutdown(ctx context.Context) {
	if server.httpServer != nil {
		server.httpServer.Shutdown(ctx)
	}
}
