package observability

const (
	AttrSessionID   = "session.id"
	AttrMission     = "session.mission"
	AttrToolName    = "tool.name"
	AttrToolTarget  = "tool.target"
	AttrLLMModel    = "llm.model"
	AttrLLMProvider = "llm.provider"
	AttrVerdict     = "gatekeeper.verdict"
	AttrPolicyName  = "policy.name"
	AttrErrorType   = "error.type"

	SpanTurn          = "kernel.turn"
	SpanLLMRequest    = "kernel.llm_request"
	SpanToolExecution = "kernel.tool_execution"
	SpanSidecarQuery  = "kernel.sidecar_query"

	DefaultServiceName = "amnesic"
)
