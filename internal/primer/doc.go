// Package primer defines the core types shared across the KASP primer design
// subsystems: jobs and their lifecycle states, genome descriptors, parsed
// result records, and the collaborator interfaces the orchestrator depends on.
package primer
