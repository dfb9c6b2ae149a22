// Package intent turns a recognized utterance into a structured trade
// instruction.
//
// The parser is a pure translation step: it performs no side effects and is
// safe to retry. The underlying model call is retried with bounded backoff
// on transient failure, then degrades to keyword matching, then to a
// clarification prompt.
package intent

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/models"
)

// Kind tags the outcome of parsing one utterance.
type Kind int

const (
	// KindTrade carries a validated trade intent.
	KindTrade Kind = iota
	// KindClarification means the utterance was trade-like but incomplete or
	// low-confidence; Prompt holds the question to ask the caller.
	KindClarification
	// KindNoIntent means the utterance is not trade-related.
	KindNoIntent
)

// Result is the parser outcome for one utterance.
type Result struct {
	Kind   Kind
	Intent *models.TradeIntent
	Prompt string
}

// SessionContext is the minimal call context handed to the parser: ticker
// aliases and the pending intent if this utterance is a clarification.
type SessionContext struct {
	Aliases map[string]string
	Prior   *models.TradeIntent
}

// Guess is the raw structured output of the understanding model.
// String fields may be empty when the model could not extract them.
type Guess struct {
	IsTrade    bool
	Action     string
	Ticker     string
	Quantity   string
	Confidence float64
}

// ModelClient is the boundary to the utterance understanding provider.
type ModelClient interface {
	Infer(ctx context.Context, utterance string, sessCtx SessionContext) (Guess, error)
}

// Parser validates model guesses into usable trade intents.
type Parser struct {
	model     ModelClient
	symbols   *SymbolTable
	threshold float64
	retries   int
	baseDelay time.Duration
	log       *logrus.Logger
}

// NewParser creates a parser. threshold is the minimum model confidence for
// returning a trade without confirmation; retries and baseDelay bound the
// model-call backoff.
func NewParser(model ModelClient, symbols *SymbolTable, threshold float64, retries int, baseDelay time.Duration, log *logrus.Logger) *Parser {
	return &Parser{
		model:     model,
		symbols:   symbols,
		threshold: threshold,
		retries:   retries,
		baseDelay: baseDelay,
		log:       log,
	}
}

// Symbols exposes the parser's symbol table so callers can build session
// context from the same alias set.
func (p *Parser) Symbols() *SymbolTable { return p.symbols }

// Parse translates an utterance into a Result. Validation failures on an
// otherwise-parsed trade are returned as models.ErrUnresolvableTicker or
// models.ErrInvalidQuantity.
func (p *Parser) Parse(ctx context.Context, utterance string, sessCtx SessionContext) (Result, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Result{Kind: KindClarification, Prompt: "I didn't catch that. Could you say it again?"}, nil
	}

	guess, err := p.infer(ctx, utterance, sessCtx)
	if err != nil {
		// Model is down past its retry budget; keyword matching still
		// covers plainly worded orders.
		fallback, ok := p.fallbackGuess(utterance)
		if !ok {
			p.log.WithError(err).Warn("intent model unavailable and keyword fallback inconclusive")
			return Result{Kind: KindClarification, Prompt: "I'm having trouble understanding. Say something like: buy ten shares of Apple."}, nil
		}
		guess = fallback
	}

	if !guess.IsTrade {
		return Result{Kind: KindNoIntent}, nil
	}

	// A clarification answer may only carry the missing piece; fill the
	// rest from the pending intent.
	if sessCtx.Prior != nil {
		if guess.Action == "" {
			guess.Action = string(sessCtx.Prior.Action)
		}
		if guess.Ticker == "" {
			guess.Ticker = sessCtx.Prior.Ticker
		}
		if guess.Quantity == "" && sessCtx.Prior.Quantity > 0 {
			guess.Quantity = strconv.FormatInt(sessCtx.Prior.Quantity, 10)
		}
	}

	action := models.TradeAction(strings.ToLower(strings.TrimSpace(guess.Action)))
	if action != models.ActionBuy && action != models.ActionSell {
		return Result{Kind: KindClarification, Prompt: "Did you want to buy or sell?"}, nil
	}
	if strings.TrimSpace(guess.Ticker) == "" {
		return Result{Kind: KindClarification, Prompt: "Which stock did you have in mind?"}, nil
	}
	ticker, ok := p.symbols.Resolve(guess.Ticker)
	if !ok {
		return Result{}, models.ErrUnresolvableTicker
	}
	if strings.TrimSpace(guess.Quantity) == "" {
		return Result{Kind: KindClarification, Prompt: "How many shares?"}, nil
	}
	quantity, err := parseQuantity(guess.Quantity)
	if err != nil {
		return Result{}, models.ErrInvalidQuantity
	}

	parsed := &models.TradeIntent{
		Action:     action,
		Ticker:     ticker,
		Quantity:   quantity,
		Confidence: guess.Confidence,
	}

	if guess.Confidence < p.threshold {
		return Result{
			Kind:   KindClarification,
			Intent: parsed,
			Prompt: "Just to confirm: you want to " + string(action) + " " +
				strconv.FormatInt(quantity, 10) + " shares of " + ticker + "?",
		}, nil
	}
	return Result{Kind: KindTrade, Intent: parsed}, nil
}

func (p *Parser) infer(ctx context.Context, utterance string, sessCtx SessionContext) (Guess, error) {
	var guess Guess
	b := retry.WithMaxRetries(uint64(p.retries), retry.NewExponential(p.baseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		g, err := p.model.Infer(ctx, utterance, sessCtx)
		if err != nil {
			p.log.WithError(err).Warn("intent model call failed")
			return retry.RetryableError(err)
		}
		guess = g
		return nil
	})
	return guess, err
}

var numberWords = map[string]int64{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20,
	"thirty": 30, "forty": 40, "fifty": 50, "hundred": 100,
}

// fallbackGuess is the deterministic keyword parse used when the model is
// unreachable. It only claims a trade when action, quantity, and a
// resolvable ticker are all present.
func (p *Parser) fallbackGuess(utterance string) (Guess, bool) {
	lower := strings.ToLower(utterance)

	var action string
	switch {
	case strings.Contains(lower, "buy") || strings.Contains(lower, "purchase"):
		action = "buy"
	case strings.Contains(lower, "sell"):
		action = "sell"
	default:
		return Guess{}, false
	}

	words := strings.Fields(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, lower))

	var quantity, ticker string
	for _, w := range words {
		if quantity == "" {
			if _, err := strconv.ParseInt(w, 10, 64); err == nil {
				quantity = w
				continue
			}
			if n, ok := numberWords[w]; ok {
				quantity = strconv.FormatInt(n, 10)
				continue
			}
		}
		if ticker == "" {
			if sym, ok := p.symbols.Resolve(w); ok {
				ticker = sym
			}
		}
	}
	if quantity == "" || ticker == "" {
		return Guess{}, false
	}
	return Guess{IsTrade: true, Action: action, Ticker: ticker, Quantity: quantity, Confidence: 1}, true
}

// parseQuantity accepts whole positive numbers only; fractional, zero, and
// negative quantities are invalid for voice trades.
func parseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, ok := numberWords[strings.ToLower(s)]; ok {
		return n, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, models.ErrInvalidQuantity
	}
	return n, nil
}
