// Package stores declares the record stores the application syncs. The
// same declarations drive the server engine and the embedded client, so
// validation and policy behave identically on both sides.
package stores

import "github.com/hyperengineering/undertow/internal/schema"

// Account holds one settings record per user.
var Account = schema.MustNew(schema.Options{
	Name: "account",
	Kind: schema.Singular,
	Fields: map[string]schema.Field{
		"email": {Type: schema.String},
	},
})

// Chat is an append-only list of conversations. Title is filled in lazily
// so it is nullable.
var Chat = schema.MustNew(schema.Options{
	Name: "chat",
	Kind: schema.Event,
	Fields: map[string]schema.Field{
		"chatId": {Type: schema.String},
		"title":  {Type: schema.String, Nullable: true},
	},
	Indices: []string{"chatId"},
})

// ChatMessage is the per-chat message log. Clients may only push messages
// they authored; assistant messages are written server-side, outside the
// client action path, which the policy does not gate.
var ChatMessage = schema.MustNew(schema.Options{
	Name: "chat_message",
	Kind: schema.Event,
	Fields: map[string]schema.Field{
		"chatId":    {Type: schema.String},
		"role":      {Type: schema.String},
		"content":   {Type: schema.String},
		"createdAt": {Type: schema.Int},
		"error":     {Type: schema.String, Nullable: true},
	},
	Indices: []string{"chatId"},
	Policy: func(action schema.Action, rec schema.Record) bool {
		if action != schema.ActionPush {
			return true
		}
		return rec["role"] == "user"
	},
})

// All is every store the server registers, in registration order.
var All = []*schema.Store{Account, Chat, ChatMessage}
