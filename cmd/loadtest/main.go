// Command loadtest drives a running lingochat server: it registers users, creates
// group chats, then has every user hold a sync session that sends messages and reads
// history at a fixed rate.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lingochat/internal/models"
)

var rootCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Load test a lingochat server over REST and WebSocket",
	RunE:  runLoadTest,
}

var (
	flagBaseURL   string
	flagUsers     int
	flagChats     int
	flagRate      float64
	flagDuration  time.Duration
	flagBatch     int
	flagLanguages []string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagBaseURL, "url", "http://localhost:8080", "server base URL")
	flags.IntVar(&flagUsers, "users", 200, "number of simulated users")
	flags.IntVar(&flagChats, "chats", 20, "number of group chats to spread users across")
	flags.Float64Var(&flagRate, "rate", 1, "operations per second per user")
	flags.DurationVar(&flagDuration, "duration", time.Minute, "simulation time")
	flags.IntVar(&flagBatch, "batch", 50, "parallel registrations")
	flags.StringSliceVar(&flagLanguages, "languages", []string{"en", "es", "it"}, "languages assigned round-robin to users")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute loadtest command")
	}
}

type User struct {
	ID    string
	Token string
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func call(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, flagBaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status: %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func registerUser(ctx context.Context, runID string, id int) (*User, error) {
	lang := flagLanguages[0]
	if id >= 0 {
		lang = flagLanguages[id%len(flagLanguages)]
	}
	var resp models.SignInResponse
	err := call(ctx, http.MethodPost, "/api/auth/register", "", models.SignUpRequest{
		Email:       fmt.Sprintf("loadtest_%s_%d@example.com", runID, id),
		Password:    "testpass123",
		DisplayName: fmt.Sprintf("user %d", id),
		Language:    lang,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &User{ID: resp.User.ID, Token: resp.Token}, nil
}

// createChats makes flagChats groups owned by admin and spreads users over them.
func createChats(ctx context.Context, admin *User, users []*User) ([]string, error) {
	members := make([][]string, flagChats)
	for i, u := range users {
		members[i%flagChats] = append(members[i%flagChats], u.ID)
	}

	ids := make([]string, flagChats)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for i := range ids {
		g.Go(func() error {
			var chat models.Chat
			err := call(gctx, http.MethodPost, "/api/chats", admin.Token, models.CreateChatRequest{
				Kind:         models.ChatGroup,
				Name:         fmt.Sprintf("LoadTest Chat %d", i),
				Participants: members[i],
			}, &chat)
			if err != nil {
				return fmt.Errorf("create chat %d: %w", i, err)
			}
			ids[i] = chat.ID
			return nil
		})
	}
	return ids, g.Wait()
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// simulateUser keeps one sync session open on chatID. Writes are timed from the
// send intent to the append op echoing it; reads are history page requests.
func simulateUser(ctx context.Context, user *User, chatID string, stats *Stats) {
	wsURL := "ws" + strings.TrimPrefix(flagBaseURL, "http") + "/ws?token=" + user.Token
	conn, _, err := gorilla.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		stats.recordError()
		log.Debug().Err(err).Str("user", user.ID).Msg("dial failed")
		return
	}
	defer conn.Close()

	pending := newPendingSends()
	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != "append" {
				continue
			}
			var op struct {
				Messages []struct {
					Text string `json:"text"`
				} `json:"messages"`
			}
			if json.Unmarshal(f.Payload, &op) != nil {
				continue
			}
			for _, m := range op.Messages {
				if start, ok := pending.take(m.Text); ok {
					stats.recordSuccess(time.Since(start), WriteOperation)
				}
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "open_chat", "payload": map[string]string{"chat_id": chatID}}); err != nil {
		stats.recordError()
		return
	}

	limiter := rate.NewLimiter(rate.Limit(flagRate), 1)
	seq := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		if rand.Float32() < 0.5 {
			seq++
			text := fmt.Sprintf("message %d from %s", seq, user.ID)
			pending.put(text, time.Now())
			if err := conn.WriteJSON(map[string]any{"type": "send", "payload": map[string]string{"text": text}}); err != nil {
				stats.recordError()
				return
			}
			continue
		}

		start := time.Now()
		if err := call(ctx, http.MethodGet, "/api/chats/"+chatID+"/messages", user.Token, nil, nil); err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.recordError()
			continue
		}
		stats.recordSuccess(time.Since(start), ReadOperation)
	}
}

func runLoadTest(cmd *cobra.Command, args []string) error {
	if flagUsers <= 0 || flagChats <= 0 || flagRate <= 0 || len(flagLanguages) == 0 {
		return fmt.Errorf("users, chats, rate and languages must be positive")
	}
	if flagChats > flagUsers {
		return fmt.Errorf("need at least one user per chat")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := fmt.Sprintf("%x", time.Now().UnixNano())
	log.Info().Int("users", flagUsers).Int("chats", flagChats).Float64("rate", flagRate).
		Dur("duration", flagDuration).Msg("starting load test")

	admin, err := registerUser(ctx, runID, -1)
	if err != nil {
		return fmt.Errorf("register admin: %w", err)
	}

	users := make([]*User, flagUsers)
	var failed atomic.Int64
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flagBatch)
	for i := range users {
		g.Go(func() error {
			u, err := registerUser(gctx, runID, i)
			if err != nil {
				if failed.Add(1) <= 10 {
					log.Warn().Err(err).Int("user", i).Msg("registration failed")
				}
				return nil
			}
			users[i] = u
			return nil
		})
	}
	g.Wait()

	registered := make([]*User, 0, len(users))
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	elapsed := time.Since(started)
	log.Info().Int("registered", len(registered)).Int64("failed", failed.Load()).
		Dur("elapsed", elapsed).Float64("per_sec", float64(len(registered))/elapsed.Seconds()).
		Msg("registration complete")
	if len(registered) < flagUsers/2 {
		return fmt.Errorf("too many registration failures, aborting load test")
	}

	chats, err := createChats(ctx, admin, registered)
	if err != nil {
		return err
	}

	stats := &Stats{}
	runCtx, cancel := context.WithTimeout(ctx, flagDuration)
	defer cancel()

	start := time.Now()
	done := make(chan struct{})
	var active atomic.Int64
	for i, u := range registered {
		active.Add(1)
		go func() {
			defer func() {
				if active.Add(-1) == 0 {
					close(done)
				}
			}()
			simulateUser(runCtx, u, chats[i%len(chats)], stats)
		}()
	}
	<-done

	sum := stats.Summary(time.Since(start))
	log.Info().
		Int64("total", sum.Total).
		Int64("success", sum.Success).
		Int64("failed", sum.Failed).
		Dur("avg", sum.Average).
		Dur("min", sum.Min).
		Dur("max", sum.Max).
		Dur("p99_write", sum.P99Write).
		Dur("p99_read", sum.P99Read).
		Float64("per_sec", sum.PerSecond).
		Msg("load test results")
	return nil
}
