package engine

// Status codes returned by engine calls. The values follow Linux errno.
const (
	EOK          = 0
	EPERM        = 1
	ENOENT       = 2
	EIO          = 5
	ENOMEM       = 12
	EEXIST       = 17
	ENOTDIR      = 20
	EISDIR       = 21
	EINVAL       = 22
	EFBIG        = 27
	ENOSPC       = 28
	EROFS        = 30
	EMLINK       = 31
	ENAMETOOLONG = 36
	ENOTEMPTY    = 39
	ENOTSUP      = 95
)
