package metadata

// GerritPatch identifies the patch a CL action was taken on.
type GerritPatch struct {
	GerritNumber int  `json:"gerrit_number"`
	PatchNumber  int  `json:"patch_number"`
	Internal     bool `json:"internal"`
}

// CLAction records one action taken on a code change under test. Records
// are append-only; order reflects recording order, not necessarily
// chronological order across workers.
type CLAction struct {
	Change    GerritPatch `json:"change"`
	Action    string      `json:"action"`
	Timestamp int64       `json:"timestamp"`
	Reason    string      `json:"reason"`
}

// CLActionWithBuild is a CL action attributed to the build that took it,
// used when actions from many builds are aggregated downstream.
type CLActionWithBuild struct {
	CLAction
	BotType string `json:"bot_type"`
	BuildID string `json:"build_id"`
}

// WithBuild attributes a to the given bot type and build identity.
func (a CLAction) WithBuild(botType, buildID string) CLActionWithBuild {
	return CLActionWithBuild{CLAction: a, BotType: botType, BuildID: buildID}
}
