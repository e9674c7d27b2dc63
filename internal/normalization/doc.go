// Package normalization turns raw feed messages into normalized messages.
//
// A RuleSet applies an ordered list of rules to a copy of each raw message.
// Rules may read and write the per-subscription FieldHistoryStore. A rule
// returning an empty message suppresses it; the history is still updated.
package normalization
