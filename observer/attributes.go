package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for moderation API spans and metrics.
var (
	AttrAPIMethod = attribute.Key("moderation.api.method")
	AttrAPIStatus = attribute.Key("moderation.api.status")

	AttrModel        = attribute.Key("moderation.model")
	AttrFlagged      = attribute.Key("moderation.flagged")
	AttrFinishReason = attribute.Key("moderation.finish_reason")

	AttrTokensInput  = attribute.Key("moderation.tokens.input")
	AttrTokensOutput = attribute.Key("moderation.tokens.output")

	AttrRuleLayer = attribute.Key("moderation.rule.layer")
)
