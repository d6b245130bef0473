package tcoord

import "time"

// Now returns the current time. Package level so tests can substitute a deterministic
// clock, matching the teacher's aws_s3.Now convention.
var Now = time.Now
