package ttrpc

import (
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status and error taxonomy (§7, C13) are not reinvented here: the gRPC
// canonical code set named in §3 is, byte for byte, the one
// google.golang.org/grpc/codes already defines, and §3's Status message is
// the one google.golang.org/genproto/googleapis/rpc/status already defines.
// Both are already indirect dependencies of this module's lineage; ttrpc
// uses them directly instead of re-declaring the same seventeen codes.

// newStatusError builds an error carrying a *status.Status for code/msg.
func newStatusError(code codes.Code, format string, args ...any) error {
	return status.Errorf(code, format, args...)
}

// toProtoStatus converts a Go error into the wire Status carried by a
// Response frame (§3 Status). A nil error, or one already Ok-coded,
// marshals as an absent/Ok status per §3's Response semantics.
func toProtoStatus(err error) *spb.Status {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &spb.Status{Code: int32(codes.Unknown), Message: err.Error()}
	}
	if st.Code() == codes.OK {
		return nil
	}
	return st.Proto()
}

// fromProtoStatus converts a Response's wire Status back into a Go error,
// or nil when absent/Ok (§3 Response).
func fromProtoStatus(s *spb.Status) error {
	if s == nil || codes.Code(s.GetCode()) == codes.OK {
		return nil
	}
	return status.ErrorProto(s)
}
