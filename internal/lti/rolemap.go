// internal/lti/rolemap.go
package lti

// Default mapping of LTI role URIs to class-role flags. The vocabulary
// covers both the short membership forms and the institution/system forms
// platforms actually send.
var defaultRoleURIs = map[string]RoleFlags{
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator": {Admin: true},
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator":      {Admin: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator":         {Admin: true},

	"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor":                           {Teacher: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper":                     {Teacher: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant":         {Teacher: true},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Instructor":                   {Teacher: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#PrimaryInstructor":         {Teacher: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Administrator#ExternalSystemSupport":  {Admin: true},

	"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner":            {Student: true},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student":    {Student: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Learner#FullTime":   {Student: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Learner#PartTime":   {Student: true},
	"http://purl.imsglobal.org/vocab/lis/v2/membership/Learner#GuestLearner": {Student: true},
}

// DefaultRoleMapper maps via the fixed table above. Members whose URIs all
// fall outside the table are skipped (ok=false).
type DefaultRoleMapper struct{}

func (DefaultRoleMapper) MapRoles(roleURIs []string) (RoleFlags, bool) {
	var flags RoleFlags
	matched := false
	for _, uri := range roleURIs {
		f, ok := defaultRoleURIs[uri]
		if !ok {
			continue
		}
		matched = true
		flags.Admin = flags.Admin || f.Admin
		flags.Teacher = flags.Teacher || f.Teacher
		flags.Student = flags.Student || f.Student
	}
	return flags, matched
}
