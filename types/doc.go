/*
Package types provides the shared type definitions of the FuseFlow core.

types is the lowest-level public package and depends on no internal
package. It defines the contracts shared by the registry, dispatcher,
fusion engine and orchestration façade:

  - Modality / CapabilityKey — which inference capability a request needs
  - Payload                  — caller-owned raw input for one modality
  - ModalityResult           — outcome of a single backend invocation
  - FusionResult             — combined output of the fusion engine
  - Error / ErrorCode        — structured error taxonomy, never panics
    across the dispatch boundary
*/
package types
