/**
 * @description
 * The USSD menu state machine. Step is a pure function of (session, input,
 * environment): it performs no I/O and no persistence. The caller pre-fetches
 * whatever the current state may need (influencer page, subscription list,
 * stored PIN hash) into Env, and executes any side-effect request the result
 * carries (create or cancel a subscription).
 *
 * The transition table is total: every state handles every input class, with
 * unrecognized input re-prompting the same state until the invalid-attempt
 * limit tips the session into the terminal ERROR state.
 */
package ussd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rigzlion8/ussd-credit/internal/domain"
)

// InfluencerOption is one selectable entry on the influencer menu.
type InfluencerOption struct {
	ID        uuid.UUID
	Name      string
	MinAmount int64
	MaxAmount int64
}

// SubscriptionOption is one selectable entry on the "My Subscriptions" menu.
type SubscriptionOption struct {
	ID             uuid.UUID
	InfluencerName string
	Amount         int64
	Frequency      domain.Frequency
}

// Env carries the pre-fetched data a single menu step may consult.
type Env struct {
	Influencers        []InfluencerOption
	Subscriptions      []SubscriptionOption
	PINHash            string
	MaxInvalidAttempts int
}

// CreateSubscriptionRequest asks the caller to persist a new subscription.
type CreateSubscriptionRequest struct {
	InfluencerID uuid.UUID
	Amount       int64
	Frequency    domain.Frequency
}

// CancelSubscriptionRequest asks the caller to deactivate a subscription.
type CancelSubscriptionRequest struct {
	SubscriptionID uuid.UUID
}

// StepResult is the outcome of one menu step. Terminal replies tear the
// session down; non-terminal replies keep the gateway session open.
type StepResult struct {
	State    State
	Ctx      Context
	Reply    string
	Terminal bool
	Create   *CreateSubscriptionRequest
	Cancel   *CancelSubscriptionRequest
}

const (
	welcomeMenu  = "Welcome to Auto-Credit\n1. Subscribe\n2. My Subscriptions\n0. Exit"
	goodbyeReply = "Goodbye"
	pinPrompt    = "Enter your PIN"
)

// Step advances the session by one menu interaction.
func Step(sess *Session, input string, env Env) StepResult {
	input = strings.TrimSpace(input)

	switch sess.State {
	case StateWelcome:
		return stepWelcome(sess, input, env)
	case StateSelectInfluencer:
		return stepSelectInfluencer(sess, input, env)
	case StateSelectFrequency:
		return stepSelectFrequency(sess, input, env)
	case StateConfirmAmount:
		return stepConfirmAmount(sess, input, env)
	case StateConfirmPIN:
		return stepConfirmPIN(sess, input, env)
	case StateMySubscriptions:
		return stepMySubscriptions(sess, input, env)
	case StateConfirmCancel:
		return stepConfirmCancel(sess, input, env)
	default:
		// Terminal states have no further transitions; a step against one can
		// only come from a stale gateway retry.
		return terminal(StateError, "Session ended. Please dial again.")
	}
}

func stepWelcome(sess *Session, input string, env Env) StepResult {
	switch input {
	case "":
		return prompt(StateWelcome, sess.Ctx, welcomeMenu)
	case "1":
		if len(env.Influencers) == 0 {
			return terminal(StateDone, "No influencers are available right now. Please try again later.")
		}
		return prompt(StateSelectInfluencer, Context{}, influencerMenu(env))
	case "2":
		if len(env.Subscriptions) == 0 {
			return terminal(StateDone, "You have no active subscriptions.")
		}
		ctx := Context{SubscriptionIDs: subscriptionIDs(env)}
		return prompt(StateMySubscriptions, ctx, subscriptionMenu(env))
	case "0":
		return terminal(StateCancelled, goodbyeReply)
	default:
		return invalid(sess, env, welcomeMenu)
	}
}

func stepSelectInfluencer(sess *Session, input string, env Env) StepResult {
	if input == "0" {
		return prompt(StateWelcome, Context{}, welcomeMenu)
	}
	choice, err := strconv.Atoi(input)
	if err != nil || choice < 1 || choice > len(env.Influencers) {
		return invalid(sess, env, influencerMenu(env))
	}

	opt := env.Influencers[choice-1]
	ctx := Context{
		InfluencerID:   opt.ID,
		InfluencerName: opt.Name,
		MinAmount:      opt.MinAmount,
		MaxAmount:      opt.MaxAmount,
	}
	return prompt(StateSelectFrequency, ctx, frequencyMenu(opt.Name))
}

func stepSelectFrequency(sess *Session, input string, env Env) StepResult {
	ctx := sess.Ctx
	switch input {
	case "1":
		ctx.Frequency = domain.FrequencyWeekly
	case "2":
		ctx.Frequency = domain.FrequencyMonthly
	default:
		return invalid(sess, env, frequencyMenu(sess.Ctx.InfluencerName))
	}
	ctx.InvalidAttempts = 0
	return prompt(StateConfirmAmount, ctx, amountPrompt(ctx))
}

func stepConfirmAmount(sess *Session, input string, env Env) StepResult {
	amount, err := strconv.ParseInt(input, 10, 64)
	if err != nil || amount < sess.Ctx.MinAmount || amount > sess.Ctx.MaxAmount {
		return invalid(sess, env, amountPrompt(sess.Ctx))
	}
	ctx := sess.Ctx
	ctx.Amount = amount
	ctx.InvalidAttempts = 0
	return prompt(StateConfirmPIN, ctx, pinPrompt)
}

func stepConfirmPIN(sess *Session, input string, env Env) StepResult {
	if env.PINHash == "" {
		return terminal(StateError, "You are not registered for payments. Please contact support.")
	}
	if bcrypt.CompareHashAndPassword([]byte(env.PINHash), []byte(input)) != nil {
		ctx := sess.Ctx
		ctx.InvalidAttempts++
		if ctx.InvalidAttempts >= env.MaxInvalidAttempts {
			return terminal(StateError, "Too many incorrect PIN attempts.")
		}
		return prompt(sess.State, ctx, "Incorrect PIN. "+pinPrompt)
	}

	ctx := sess.Ctx
	reply := fmt.Sprintf("Subscription to %s for %d %s confirmed. You will receive a payment prompt shortly.",
		ctx.InfluencerName, ctx.Amount, ctx.Frequency)
	res := terminal(StateDone, reply)
	res.Create = &CreateSubscriptionRequest{
		InfluencerID: ctx.InfluencerID,
		Amount:       ctx.Amount,
		Frequency:    ctx.Frequency,
	}
	return res
}

func stepMySubscriptions(sess *Session, input string, env Env) StepResult {
	if input == "0" {
		return prompt(StateWelcome, Context{}, welcomeMenu)
	}
	ids := sess.Ctx.SubscriptionIDs
	choice, err := strconv.Atoi(input)
	if err != nil || choice < 1 || choice > len(ids) {
		res := invalid(sess, env, subscriptionMenu(env))
		res.Ctx.SubscriptionIDs = subscriptionIDs(env)
		return res
	}

	ctx := sess.Ctx
	ctx.SelectedSubscriptionID = ids[choice-1]
	ctx.InvalidAttempts = 0
	return prompt(StateConfirmCancel, ctx, "Cancel this subscription?\n1. Yes\n2. No")
}

func stepConfirmCancel(sess *Session, input string, env Env) StepResult {
	switch input {
	case "1":
		res := terminal(StateDone, "Subscription cancelled.")
		res.Cancel = &CancelSubscriptionRequest{SubscriptionID: sess.Ctx.SelectedSubscriptionID}
		return res
	case "2":
		return prompt(StateWelcome, Context{}, welcomeMenu)
	default:
		return invalid(sess, env, "Cancel this subscription?\n1. Yes\n2. No")
	}
}

// invalid re-prompts the current state, or terminates the session once the
// configured number of consecutive invalid inputs has been reached.
func invalid(sess *Session, env Env, reprompt string) StepResult {
	ctx := sess.Ctx
	ctx.InvalidAttempts++
	if ctx.InvalidAttempts >= env.MaxInvalidAttempts {
		return terminal(StateError, "Too many invalid choices. Please dial again.")
	}
	return prompt(sess.State, ctx, "Invalid choice.\n"+reprompt)
}

func prompt(state State, ctx Context, reply string) StepResult {
	return StepResult{State: state, Ctx: ctx, Reply: reply}
}

func terminal(state State, reply string) StepResult {
	return StepResult{State: state, Reply: reply, Terminal: true}
}

func influencerMenu(env Env) string {
	var b strings.Builder
	b.WriteString("Choose an influencer")
	for i, opt := range env.Influencers {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Name)
	}
	b.WriteString("\n0. Back")
	return b.String()
}

func subscriptionMenu(env Env) string {
	var b strings.Builder
	b.WriteString("Your subscriptions")
	for i, opt := range env.Subscriptions {
		fmt.Fprintf(&b, "\n%d. %s %d %s", i+1, opt.InfluencerName, opt.Amount, opt.Frequency)
	}
	b.WriteString("\n0. Back")
	return b.String()
}

func subscriptionIDs(env Env) []uuid.UUID {
	ids := make([]uuid.UUID, len(env.Subscriptions))
	for i, opt := range env.Subscriptions {
		ids[i] = opt.ID
	}
	return ids
}

func frequencyMenu(name string) string {
	return fmt.Sprintf("Subscribe to %s\n1. Weekly\n2. Monthly", name)
}

func amountPrompt(ctx Context) string {
	return fmt.Sprintf("Enter amount for %s (%d-%d)", ctx.InfluencerName, ctx.MinAmount, ctx.MaxAmount)
}
