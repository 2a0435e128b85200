package types

// Version is the canonical usedrescue version.
// It is stamped into every rescue log header written by the tool.
const Version = "0.4.0"

// ToolName is the marker token written into rescue log headers.
// Resume detection only trusts logs that carry it.
const ToolName = "usedrescue"
