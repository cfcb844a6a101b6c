package school

var catalog = map[Course][]Package{
	CourseCar: {
		{ID: "car_30", Course: CourseCar, Days: 30, Label: "30 days", Price: 20000},
		{ID: "car_20", Course: CourseCar, Days: 20, Label: "20 days", Price: 14000},
		{ID: "car_15", Course: CourseCar, Days: 15, Label: "15 days", Price: 11000},
		{ID: "car_7", Course: CourseCar, Days: 7, Label: "7 days", Price: 6000},
		{ID: "car_daily", Course: CourseCar, Days: 1, Label: "Daily", Price: 600},
	},
	CourseMotorcycle: {
		{ID: "bike_30", Course: CourseMotorcycle, Days: 30, Label: "30 days", Price: 10000},
		{ID: "bike_20", Course: CourseMotorcycle, Days: 20, Label: "20 days", Price: 7000},
		{ID: "bike_15", Course: CourseMotorcycle, Days: 15, Label: "15 days", Price: 5500},
		{ID: "bike_7", Course: CourseMotorcycle, Days: 7, Label: "7 days", Price: 3000},
		{ID: "bike_daily", Course: CourseMotorcycle, Days: 1, Label: "Daily", Price: 400},
	},
}

// PackagesFor returns a copy of the packages offered for the course.
func PackagesFor(course Course) []Package {
	packages := catalog[course]
	out := make([]Package, len(packages))
	copy(out, packages)
	return out
}

// ResolvePackage looks the package up within the preferred course first and then across the
// whole catalog. The returned course is the one the package belongs to.
func ResolvePackage(preferred Course, packageID string) (Package, bool) {
	if packageID == "" {
		return Package{}, false
	}
	for _, pkg := range catalog[preferred] {
		if pkg.ID == packageID {
			return pkg, true
		}
	}
	for _, course := range Courses {
		for _, pkg := range catalog[course] {
			if pkg.ID == packageID {
				return pkg, true
			}
		}
	}
	return Package{}, false
}

// NormalizePackage replaces a partial package (id only, no price) with the catalog entry.
// It reports whether the student changed.
func NormalizePackage(student *Student) bool {
	if student == nil || student.Package == nil {
		return false
	}
	if student.Package.Price > 0 && student.Package.Days > 0 {
		return false
	}
	resolved, ok := ResolvePackage(student.Course, student.Package.ID)
	if !ok {
		return false
	}
	student.Package = &resolved
	if student.Course == "" {
		student.Course = resolved.Course
	}
	return true
}
