// MIT License
//
// Copyright (c) 2017 stacktitan
// Copyright (c) 2023 Jimmy Fjällid for extensions beyond login for SMB 2.1
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package smb

import (
	"fmt"

	"github.com/jfjallid/golog"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb")

const ProtocolSmb = "\xFFSMB"
const ProtocolSmb2 = "\xFESMB"
const ProtocolTransformHdr = "\xFDSMB"
const ProtocolCompressionHdr = "\xFCSMB"

const SHA512 uint16 = 0x0001

const (
	StatusOk                     uint32 = 0x00000000
	StatusPending                uint32 = 0x00000103
	StatusNotifyEnumDir          uint32 = 0x0000010c
	StatusBufferOverflow         uint32 = 0x80000005
	StatusNoMoreFiles            uint32 = 0x80000006
	StatusInfoLengthMismatch     uint32 = 0xc0000004
	StatusInvalidParameter       uint32 = 0xc000000d
	StatusNoSuchFile             uint32 = 0xc000000f
	StatusEndOfFile              uint32 = 0xc0000011
	StatusMoreProcessingRequired uint32 = 0xc0000016
	StatusAccessDenied           uint32 = 0xc0000022
	StatusObjectNameNotFound     uint32 = 0xc0000034
	StatusLogonFailure           uint32 = 0xc000006d
	StatusCancelled              uint32 = 0xc0000120
	StatusPipeEmpty              uint32 = 0xc00000d9
	StatusPipeDisconnected       uint32 = 0xc00000b0
	StatusBadNetworkName         uint32 = 0xc00000cc
	StatusRequestNotAccepted     uint32 = 0xc00000d0
	StatusNotSupported           uint32 = 0xc00000bb
	StatusNetworkSessionExpired  uint32 = 0xc000035c
	StatusUserSessionDeleted     uint32 = 0xc0000203
)

var StatusMap = map[uint32]string{
	StatusOk:                     "OK",
	StatusPending:                "Status Pending",
	StatusNotifyEnumDir:          "Notify enum dir",
	StatusBufferOverflow:         "Response buffer overflow",
	StatusNoMoreFiles:            "No more files",
	StatusInfoLengthMismatch:     "Insuffient size of response buffer",
	StatusInvalidParameter:       "Invalid Parameter",
	StatusNoSuchFile:             "No such file",
	StatusEndOfFile:              "The end-of-file marker has been reached",
	StatusMoreProcessingRequired: "More Processing Required",
	StatusAccessDenied:           "Access denied!",
	StatusObjectNameNotFound:     "Requested file does not exist",
	StatusLogonFailure:           "Logon failed",
	StatusCancelled:              "The request was cancelled",
	StatusPipeEmpty:              "Pipe empty",
	StatusPipeDisconnected:       "Pipe disconnected",
	StatusBadNetworkName:         "Bad network name",
	StatusRequestNotAccepted:     "Request not accepted",
	StatusNotSupported:           "Not supported",
	StatusNetworkSessionExpired:  "Network session expired",
	StatusUserSessionDeleted:     "User session deleted",
}

// StatusText returns a readable description of an NT status code.
func StatusText(status uint32) string {
	if s, ok := StatusMap[status]; ok {
		return s
	}
	return fmt.Sprintf("NT status 0x%08x", status)
}

// IsErrorStatus reports whether status has error severity.
func IsErrorStatus(status uint32) bool {
	return status&0xc0000000 == 0xc0000000
}

const (
	DialectSmb_2_0_2 uint16 = 0x0202
	DialectSmb_2_1   uint16 = 0x0210
	DialectSmb_3_0   uint16 = 0x0300
	DialectSmb_3_0_2 uint16 = 0x0302
	DialectSmb_3_1_1 uint16 = 0x0311
	DialectSmb2_ALL  uint16 = 0x02FF
)

var knownDialects = []uint16{
	DialectSmb_2_0_2,
	DialectSmb_2_1,
	DialectSmb_3_0,
	DialectSmb_3_0_2,
	DialectSmb_3_1_1,
}

func DialectString(d uint16) string {
	switch d {
	case DialectSmb_2_0_2:
		return "SMB 2.0.2"
	case DialectSmb_2_1:
		return "SMB 2.1"
	case DialectSmb_3_0:
		return "SMB 3.0"
	case DialectSmb_3_0_2:
		return "SMB 3.0.2"
	case DialectSmb_3_1_1:
		return "SMB 3.1.1"
	case DialectSmb2_ALL:
		return "SMB 2.???"
	}
	return fmt.Sprintf("0x%04x", d)
}

const (
	CommandNegotiate uint16 = iota
	CommandSessionSetup
	CommandLogoff
	CommandTreeConnect
	CommandTreeDisconnect
	CommandCreate
	CommandClose
	CommandFlush
	CommandRead
	CommandWrite
	CommandLock
	CommandIOCtl
	CommandCancel
	CommandEcho
	CommandQueryDirectory
	CommandChangeNotify
	CommandQueryInfo
	CommandSetInfo
	CommandOplockBreak
)

// MS-SMB2 2.2.1.1 Flags
const (
	SMB2_FLAGS_SERVER_TO_REDIR    uint32 = 0x00000001
	SMB2_FLAGS_ASYNC_COMMAND      uint32 = 0x00000002
	SMB2_FLAGS_RELATED_OPERATIONS uint32 = 0x00000004
	SMB2_FLAGS_SIGNED             uint32 = 0x00000008
	SMB2_FLAGS_PRIORITY_MASK      uint32 = 0x00000070
	SMB2_FLAGS_DFS_OPERATIONS     uint32 = 0x10000000
	SMB2_FLAGS_REPLAY_OPERATIONS  uint32 = 0x20000000
)

const (
	SecurityModeSigningDisabled uint16 = iota
	SecurityModeSigningEnabled
	SecurityModeSigningRequired
)

const (
	_ byte = iota
	ShareTypeDisk
	ShareTypePipe
	ShareTypePrint
)

const ShareFlagEncryptData uint32 = 0x00008000

const (
	GlobalCapDFS               uint32 = 0x00000001
	GlobalCapLeasing           uint32 = 0x00000002
	GlobalCapLargeMTU          uint32 = 0x00000004
	GlobalCapMultiChannel      uint32 = 0x00000008
	GlobalCapPersistentHandles uint32 = 0x00000010
	GlobalCapDirectoryLeasing  uint32 = 0x00000020
	GlobalCapEncryption        uint32 = 0x00000040
)

const (
	ImpersonationLevelAnonymous      uint32 = 0x00000000
	ImpersonationLevelIdentification uint32 = 0x00000001
	ImpersonationLevelImpersonation  uint32 = 0x00000002
	ImpersonationLevelDelegate       uint32 = 0x00000003
)

// MS-SMB2 Section 2.2.3.1 Context Type
const (
	PreauthIntegrityCapabilities uint16 = 0x0001
	EncryptionCapabilities       uint16 = 0x0002
	CompressionCapabilities      uint16 = 0x0003
	NetNameNegotiateContextId    uint16 = 0x0005
	TransportCapabilities        uint16 = 0x0006
	RDMATranformCapabilities     uint16 = 0x0007
	SigningCapabilities          uint16 = 0x0008
)

// MS-SMB2 Section 2.2.3.1.2 Ciphers
const (
	AES128CCM uint16 = 0x0001
	AES128GCM uint16 = 0x0002
	AES256CCM uint16 = 0x0003
	AES256GCM uint16 = 0x0004
)

// MS-SMB2 Section 2.2.3.1.3 CompressionAlgorithms
const (
	CompressionNone        uint16 = 0x0000
	CompressionLZNT1       uint16 = 0x0001
	CompressionLZ77        uint16 = 0x0002
	CompressionLZ77Huffman uint16 = 0x0003
	CompressionPatternV1   uint16 = 0x0004
	CompressionLZ4         uint16 = 0x0005
)

// MS-SMB2 Section 2.2.3.1.7 SigningAlgorithms
const (
	HMAC_SHA256 uint16 = 0x0000
	AES_CMAC    uint16 = 0x0001
	AES_GMAC    uint16 = 0x0002
)

// MS-SMB2 Section 2.2.6 Session setup flags
const (
	SessionFlagIsGuest     uint16 = 0x0001
	SessionFlagIsNull      uint16 = 0x0002
	SessionFlagEncryptData uint16 = 0x0004
)

// Access masks used when opening named pipes
const (
	FAccMaskFileReadData        uint32 = 0x00000001
	FAccMaskFileWriteData       uint32 = 0x00000002
	FAccMaskFileAppendData      uint32 = 0x00000004
	FAccMaskFileReadEA          uint32 = 0x00000008
	FAccMaskFileWriteEA         uint32 = 0x00000010
	FAccMaskFileReadAttributes  uint32 = 0x00000080
	FAccMaskFileWriteAttributes uint32 = 0x00000100
	FAccMaskReadControl         uint32 = 0x00020000
	FAccMaskSynchronize         uint32 = 0x00100000
	FAccMaskMaximumAllowed      uint32 = 0x02000000
)

const (
	FileShareRead   uint32 = 0x00000001
	FileShareWrite  uint32 = 0x00000002
	FileShareDelete uint32 = 0x00000004
)

const FileAttrNormal uint32 = 0x00000080

// File Create Disposition
const (
	FileSupersede uint32 = iota
	FileOpen
	FileCreate
	FileOpenIf
	FileOverwrite
	FileOverwriteIf
)

const (
	FileSynchronousIONonAlert uint32 = 0x00000020
	FileNonDirectoryFile      uint32 = 0x00000040
	FileOpenReparsePoint      uint32 = 0x00200000
)

const (
	FsctlPipePeek       uint32 = 0x0011400c
	FsctlPipeTransceive uint32 = 0x0011c017
)

const IoctlIsFsctl uint32 = 0x00000001

// Largest number of credits a single response may grant.
const DefaultMaxCredits = 512
