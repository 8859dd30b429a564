package core

// error_messages.go maps errors and report issues to support codes.
//
// Every code names one failure users can act on. Support staff look the code
// up here and check the logs for the technical error when a user reports
// ERR000.
//
// Code ranges:
//
//	FMT001-FMT003   malformed identifiers and range bounds
//	DUP001-DUP003   duplicates inside a file or against storage
//	HIER001-HIER004 carton/pallet/order containment and density
//	CAP001-CAP002   ranges and files above their caps
//	LC001-LC003     lifecycle transitions and capabilities
//	DB001-DB004     storage conflicts and availability
//	UPL001-UPL005   unreadable files and import scheduling
//	ERR000          anything else

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// Support codes.
const (
	CodeIMEIFormat  = "FMT001"
	CodeICCIDFormat = "FMT002"
	CodeRangeBounds = "FMT003"

	CodeDuplicateInFile  = "DUP001"
	CodeDuplicateStored  = "DUP002"
	CodeDuplicateICCID   = "DUP003"
	CodeCartonSplit      = "HIER001"
	CodePalletOrders     = "HIER002"
	CodeCartonNoPallet   = "HIER003"
	CodeDensity          = "HIER004"
	CodeRangeTooLarge    = "CAP001"
	CodeTooManyRows      = "CAP002"
	CodeInvalidTransit   = "LC001"
	CodeNotPermitted     = "LC002"
	CodeAlreadyNotified  = "LC003"
	CodeStaleVersion     = "DB001"
	CodeUnavailable      = "DB002"
	CodeNotFound         = "DB003"
	CodePalletReferenced = "DB004"
	CodeMissingColumn    = "UPL001"
	CodeEmptyFile        = "UPL002"
	CodeUnreadableFile   = "UPL003"
	CodeTooManyImports   = "UPL004"
	CodeCancelled        = "UPL005"
	CodeUnknown          = "ERR000"
)

// UserMessage is what a person sees for a failure.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

// errorRule matches one error class. Rules are tried in order.
type errorRule struct {
	match func(error) bool
	msg   UserMessage
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func conflictOn(field string) func(error) bool {
	return func(err error) bool {
		var ce *device.ConflictError
		return errors.As(err, &ce) && ce.Field == field
	}
}

func formatOf(field string) func(error) bool {
	return func(err error) bool {
		var fe *identifier.FormatError
		return errors.As(err, &fe) && fe.Field == field
	}
}

var errorRules = []errorRule{
	{formatOf(identifier.FieldIMEI), UserMessage{
		Message: "The IMEI is not valid",
		Action:  "Check that it has 15 digits and was not rounded by the spreadsheet",
		Code:    CodeIMEIFormat,
	}},
	{formatOf(identifier.FieldICCID), UserMessage{
		Message: "The ICCID is not valid",
		Action:  "Check that it has 19 to 22 digits and a correct check digit",
		Code:    CodeICCIDFormat,
	}},
	{func(err error) bool {
		return errors.Is(err, identifier.ErrRangeOrder) || errors.Is(err, identifier.ErrRangeWidth)
	}, UserMessage{
		Message: "The ICCID range bounds do not form a range",
		Action:  "Use two ICCIDs of the same length with the start before the end",
		Code:    CodeRangeBounds,
	}},
	{is(identifier.ErrCapacityExceeded), UserMessage{
		Message: "The requested range is too large",
		Action:  "Split the range into smaller ranges or use the file export",
		Code:    CodeRangeTooLarge,
	}},
	{is(ErrRowLimit), UserMessage{
		Message: "The file has too many rows",
		Action:  "Split the file and import the parts separately",
		Code:    CodeTooManyRows,
	}},
	{is(lifecycle.ErrInvalidTransition), UserMessage{
		Message: "The device cannot move to that state",
		Action:  "Check the device history for its current state",
		Code:    CodeInvalidTransit,
	}},
	{is(lifecycle.ErrNotPermitted), UserMessage{
		Message: "The operation is not allowed in the device's current state",
		Action:  "Move the device to a state that allows it first",
		Code:    CodeNotPermitted,
	}},
	{is(ErrAlreadyNotified), UserMessage{
		Message: "The customer was already notified",
		Action:  "No action needed",
		Code:    CodeAlreadyNotified,
	}},
	{conflictOn("version"), UserMessage{
		Message: "The device was changed by someone else",
		Action:  "Reload the device and try again",
		Code:    CodeStaleVersion,
	}},
	{conflictOn("pallet_id"), UserMessage{
		Message: "The pallet still holds devices",
		Action:  "Move the devices off the pallet first",
		Code:    CodePalletReferenced,
	}},
	{conflictOn("iccid"), UserMessage{
		Message: "The ICCID belongs to another device",
		Action:  "Check the SIM assignment of both devices",
		Code:    CodeDuplicateICCID,
	}},
	{is(device.ErrConflict), UserMessage{
		Message: "The device is already registered",
		Action:  "Use upsert mode to update existing devices",
		Code:    CodeDuplicateStored,
	}},
	{is(device.ErrUnavailable), UserMessage{
		Message: "The database is not reachable",
		Action:  "Try again in a moment",
		Code:    CodeUnavailable,
	}},
	{is(device.ErrNotFound), UserMessage{
		Message: "The device or pallet does not exist",
		Action:  "Check the identifier",
		Code:    CodeNotFound,
	}},
	{is(hierarchy.ErrHierarchyViolation), UserMessage{
		Message: "Stored devices contradict the pallet hierarchy",
		Action:  "Review the pallet's devices and reassign the inconsistent ones",
		Code:    CodePalletOrders,
	}},
	{is(ErrMissingColumn), UserMessage{
		Message: "The file is missing a required column",
		Action:  "Add an imei column to the header row",
		Code:    CodeMissingColumn,
	}},
	{is(ErrEmptyFile), UserMessage{
		Message: "The file has no data rows",
		Action:  "Check that the right file and sheet were exported",
		Code:    CodeEmptyFile,
	}},
	{is(ErrUnreadable), UserMessage{
		Message: "The file could not be read",
		Action:  "Save it as CSV or XLSX and try again",
		Code:    CodeUnreadableFile,
	}},
	{func(err error) bool {
		return errors.Is(err, ErrTooManyImports) || errors.Is(err, ErrDraining)
	}, UserMessage{
		Message: "Too many imports are running",
		Action:  "Please wait a moment before trying again",
		Code:    CodeTooManyImports,
	}},
	{func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}, UserMessage{
		Message: "The operation was cancelled",
		Action:  "Run it again; rows already stored are reported as duplicates",
		Code:    CodeCancelled,
	}},
}

// textPatterns catch driver errors that reach us unwrapped.
var textPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"connection refused", UserMessage{
		Message: "The database is not reachable",
		Action:  "Try again in a moment",
		Code:    CodeUnavailable,
	}},
	{"timeout", UserMessage{
		Message: "The database is not reachable",
		Action:  "Try again in a moment",
		Code:    CodeUnavailable,
	}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    CodeUnknown,
}

// MapError converts an error into the message shown to users. A nil error
// maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, r := range errorRules {
		if r.match(err) {
			return r.msg
		}
	}
	errStr := strings.ToLower(err.Error())
	for _, p := range textPatterns {
		if strings.Contains(errStr, p.pattern) {
			return p.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IssueCode returns the support code of a consistency issue.
func IssueCode(is hierarchy.Issue) string {
	switch is.Check {
	case hierarchy.CheckIMEIFormat:
		return CodeIMEIFormat
	case hierarchy.CheckICCIDFormat:
		return CodeICCIDFormat
	case hierarchy.CheckIMEIDuplicate:
		return CodeDuplicateInFile
	case hierarchy.CheckICCIDDuplicate:
		return CodeDuplicateICCID
	case hierarchy.CheckCartonPallet:
		if is.Field == "pallet_id" {
			return CodeCartonNoPallet
		}
		return CodeCartonSplit
	case hierarchy.CheckPalletOrder:
		return CodePalletOrders
	case hierarchy.CheckDensity:
		return CodeDensity
	}
	return CodeUnknown
}

// UserError pairs a technical error with its user message. Error returns
// the user text; Unwrap exposes the original for logging.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
